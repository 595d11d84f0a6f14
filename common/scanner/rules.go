package scanner

import "github.com/lyzr/imageintake/common/models"

// Built-in rule ids
const (
	RuleExecSuperglobal   = "polyglot.exec-superglobal"
	RuleExecWrapper       = "polyglot.exec-wrapper"
	RuleExecFSWrite       = "polyglot.exec-fswrite"
	RuleIncludeWrapper    = "polyglot.include-wrapper"
	RuleArchiveInclude    = "polyglot.archive-include"
	RuleVarVarSuperglobal = "polyglot.varvar-superglobal"
)

// Gate is the precondition every rule shares: an image signature inside the
// size envelope, and either an embedded script opener past the minimum
// offset or an unambiguous polyglot marker.
func Gate(sig Sig, minMarkerOffset int) Node {
	return And{
		sig,
		Or{
			Marker{Pred: PredScriptOpen, MinOffset: minMarkerOffset},
			Pred(PredPolyglotMarker),
		},
	}
}

// BuiltinRules returns the high-risk combinations, strongest first.
func BuiltinRules(gate Node) []Rule {
	return []Rule{
		{
			ID:         RuleExecSuperglobal,
			Confidence: models.ConfidenceHigh,
			When:       And{gate, Pred(PredExecFunction), Pred(PredSuperglobal)},
		},
		{
			ID:         RuleExecWrapper,
			Confidence: models.ConfidenceHigh,
			When:       And{gate, Pred(PredExecFunction), Pred(PredStreamWrapper)},
		},
		{
			ID:         RuleExecFSWrite,
			Confidence: models.ConfidenceHigh,
			When:       And{gate, Pred(PredExecFunction), Pred(PredFSWrite)},
		},
		{
			ID:         RuleIncludeWrapper,
			Confidence: models.ConfidenceMedium,
			When:       And{gate, Pred(PredInclude), Or{Pred(PredStreamWrapper), Pred(PredArchiveScheme)}},
		},
		{
			ID:         RuleArchiveInclude,
			Confidence: models.ConfidenceMedium,
			When:       And{gate, Pred(PredArchiveSFX), Pred(PredInclude)},
		},
		{
			ID:         RuleVarVarSuperglobal,
			Confidence: models.ConfidenceMedium,
			When:       And{gate, Pred(PredVarVar), Pred(PredSuperglobal)},
		},
	}
}
