package ollama

import (
	"fmt"
	"strings"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

func buildSuggestionPrompt(query string, citations []domain.Citation) string {
	var contextBuilder strings.Builder
	for _, c := range citations {
		ref := "entry " + c.EntryID
		if c.Kind == domain.KindSolution {
			ref = "solution " + c.SolutionID
		}
		contextBuilder.WriteString(fmt.Sprintf(
			"[%d] %s title=%q score=%.3f\n%s\n\n",
			c.Rank,
			ref,
			c.Title,
			c.Score,
			c.Snippet,
		))
	}

	return fmt.Sprintf(`You help engineers resolve known errors.
Answer only from the numbered knowledge base excerpts below and cite them as [n].
If the excerpts do not cover the question, say so directly.

Question:
%s

Excerpts:
%s
`, query, contextBuilder.String())
}
