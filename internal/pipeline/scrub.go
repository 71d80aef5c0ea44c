package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/agent"
	"github.com/fyrsmithlabs/triagegate/internal/secrets"
)

// scrubbingAgent redacts credentials from prompts before they leave the
// process. Incident text and log-derived paths flow into every prompt.
type scrubbingAgent struct {
	next     agent.Converser
	scrubber *secrets.Scrubber
	logger   *zap.Logger
}

// withScrubber wraps conv when s has rules. A nil conv stays nil so the
// pipeline still runs offline.
func withScrubber(conv agent.Converser, s *secrets.Scrubber, logger *zap.Logger) agent.Converser {
	if conv == nil || !s.Enabled() {
		return conv
	}
	return &scrubbingAgent{next: conv, scrubber: s, logger: logger}
}

func (a *scrubbingAgent) Converse(ctx context.Context, message string) (agent.Reply, error) {
	res := a.scrubber.Scrub(message)
	if res.HasFindings() {
		a.logger.Warn("redacted credentials from agent prompt",
			zap.Strings("rules", res.RuleIDs()),
			zap.Int("findings", len(res.Findings)))
	}
	return a.next.Converse(ctx, res.Scrubbed)
}
