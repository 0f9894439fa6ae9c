package strategies

import "github.com/coachpo/tranche/internal/app/strategy"

// Definitions returns every strategy variant wired to deps.
func Definitions(deps Deps) []strategy.Definition {
	defs := []strategy.Definition{
		VolumeDefinition(deps),
		SweeperDefinition(deps),
		SniperDefinition(deps),
	}
	if deps.Journal != nil {
		defs = append(defs, JournalDefinition(deps))
	}
	return defs
}
