package usage

import (
	"context"
	"log/slog"

	"github.com/nugget/moodmender/internal/config"
	"github.com/nugget/moodmender/internal/events"
)

// Recorder writes llm_response events into a Store.
type Recorder struct {
	store   *Store
	pricing map[string]config.PricingEntry
	logger  *slog.Logger
}

// NewRecorder returns a Recorder. pricing may be nil.
func NewRecorder(store *Store, pricing map[string]config.PricingEntry, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, pricing: pricing, logger: logger.With("component", "usage")}
}

// Run records events from sub until ctx ends or sub is closed. A
// failed insert is logged and skipped.
func (r *Recorder) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			rec, ok := r.recordFrom(e)
			if !ok {
				continue
			}
			if err := r.store.Record(ctx, rec); err != nil {
				r.logger.Warn("usage record failed", "conversation_id", rec.ConversationID, "error", err)
			}
		}
	}
}

// recordFrom converts an llm_response event. Other kinds are ignored.
func (r *Recorder) recordFrom(e events.Event) (Record, bool) {
	if e.Kind != events.KindLLMResponse {
		return Record{}, false
	}
	rec := Record{
		Timestamp:      e.Timestamp,
		UserID:         str(e.Data["user_id"]),
		ConversationID: str(e.Data["conversation_id"]),
		Model:          str(e.Data["model"]),
		Iteration:      num(e.Data["iter"]),
		InputTokens:    num(e.Data["tokens_in"]),
		OutputTokens:   num(e.Data["tokens_out"]),
		ToolCalls:      num(e.Data["tool_calls"]),
	}
	rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, r.pricing)
	return rec, true
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// num accepts the in-process int as well as the float64 a JSON round
// trip produces.
func num(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
