package bounty

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/storage"
)

// ExportMarkdown renders the open bounty board as a Markdown document,
// newest first. Intended for posting to forums and agent-readable feeds.
func (s *Service) ExportMarkdown(ctx context.Context, limit int) (string, error) {
	bounties, err := s.db.SearchBounties(ctx, storage.BountyFilter{
		Status: model.BountyOpen,
		Limit:  limit,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# Open Bounties\n\n")
	if len(bounties) == 0 {
		sb.WriteString("No open bounties.\n")
		return sb.String(), nil
	}

	for _, b := range bounties {
		fmt.Fprintf(&sb, "## %s\n\n", b.Title)
		fmt.Fprintf(&sb, "- **Reward**: $%d.%02d %s\n", b.AmountCents/100, b.AmountCents%100, b.Currency)
		fmt.Fprintf(&sb, "- **ID**: `%s`\n", b.ID)
		if len(b.Skills) > 0 {
			fmt.Fprintf(&sb, "- **Skills**: %s\n", strings.Join(b.Skills, ", "))
		}
		if b.Description != "" {
			fmt.Fprintf(&sb, "\n%s\n", b.Description)
		}
		if len(b.Criteria) > 0 {
			sb.WriteString("\nAcceptance criteria:\n\n")
			for _, c := range b.Criteria {
				fmt.Fprintf(&sb, "- %s\n", c)
			}
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
