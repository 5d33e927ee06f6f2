package service

import (
	"strings"

	"github.com/makeasinger/studio/internal/model"
)

// Provider status vocabularies. The provider treats these as unstable, so
// extra synonyms can be added from config without code changes.
var (
	DefaultSuccessStatuses = []string{"SUCCESS", "COMPLETED", "COMPLETE", "complete"}
	DefaultFailureStatuses = []string{
		"ERROR",
		"FAILED",
		"CREATE_TASK_FAILED",
		"GENERATE_AUDIO_FAILED",
		"CALLBACK_EXCEPTION",
		"SENSITIVE_WORD_ERROR",
	}
	DefaultPendingStatuses = []string{"PENDING"}
)

type statusSet struct {
	exact map[string]struct{}
	fold  map[string]struct{}
}

func newStatusSet(values ...[]string) statusSet {
	s := statusSet{exact: map[string]struct{}{}, fold: map[string]struct{}{}}
	for _, list := range values {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			s.exact[v] = struct{}{}
			s.fold[strings.ToUpper(v)] = struct{}{}
		}
	}
	return s
}

func (s statusSet) exactMatch(v string) bool {
	_, ok := s.exact[v]
	return ok
}

func (s statusSet) foldMatch(v string) bool {
	_, ok := s.fold[strings.ToUpper(v)]
	return ok
}

// StatusVocabulary maps raw provider statuses onto JobState.
type StatusVocabulary struct {
	success statusSet
	failure statusSet
	pending statusSet
}

// NewStatusVocabulary extends the defaults with extra synonyms.
func NewStatusVocabulary(extraSuccess, extraFailure []string) *StatusVocabulary {
	return &StatusVocabulary{
		success: newStatusSet(DefaultSuccessStatuses, extraSuccess),
		failure: newStatusSet(DefaultFailureStatuses, extraFailure),
		pending: newStatusSet(DefaultPendingStatuses),
	}
}

// Classify tries exact literals across all sets before falling back to a
// case-insensitive match. Unknown values are non-terminal.
func (v *StatusVocabulary) Classify(raw string) model.JobState {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.JobStatePending
	}

	switch {
	case v.success.exactMatch(raw):
		return model.JobStateSuccess
	case v.failure.exactMatch(raw):
		return model.JobStateFailed
	case v.pending.exactMatch(raw):
		return model.JobStatePending
	case v.success.foldMatch(raw):
		return model.JobStateSuccess
	case v.failure.foldMatch(raw):
		return model.JobStateFailed
	case v.pending.foldMatch(raw):
		return model.JobStatePending
	}
	return model.JobStateGenerating
}
