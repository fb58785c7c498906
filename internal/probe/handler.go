package probe

import (
	"context"
	"fmt"
	"log/slog"
)

// FrameSize is the length of a data notification: two 16 bit probe values.
const FrameSize = 4

// Sink receives decoded readings.
type Sink interface {
	Record(label string, r Reading) error
	TouchTimestamp()
	Malformed()
}

// Handler consumes raw notifications from the data characteristic.
type Handler struct {
	probe1 string
	probe2 string
	sink   Sink
}

func NewHandler(probe1, probe2 string, sink Sink) *Handler {
	return &Handler{
		probe1: probe1,
		probe2: probe2,
		sink:   sink,
	}
}

// Handle decodes one notification payload and records both probes. Frames of
// the wrong length are logged and dropped.
func (h *Handler) Handle(payload []byte) {
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		slog.Debug("probe: notification", "data", fmt.Sprintf("% X", payload))
	}

	if len(payload) != FrameSize {
		slog.Warn("probe: discarding malformed notification", "len", len(payload), "want", FrameSize)
		h.sink.Malformed()
		return
	}

	t1 := Decode(payload[0:2])
	t2 := Decode(payload[2:4])

	if err := h.sink.Record(h.probe1, t1); err != nil {
		slog.Error("probe: record", "name", h.probe1, "err", err)
	}
	if err := h.sink.Record(h.probe2, t2); err != nil {
		slog.Error("probe: record", "name", h.probe2, "err", err)
	}
	h.sink.TouchTimestamp()

	slog.Info("probe: reading",
		"t1", t1.Value(), "t1_present", t1.Present,
		"t2", t2.Value(), "t2_present", t2.Present,
	)
}
