package feed

// Phase is the loading state of a feed.
//
//	Idle ──▶ Refreshing ──▶ Idle
//	Idle ──▶ LoadingMore ──▶ Idle
//	any  ──▶ Error ──▶ Refreshing | LoadingMore   (manual retry)
//
// A refresh supersedes an in-flight load-more or refresh; a load-more never
// starts while a refresh is running.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRefreshing
	PhaseLoadingMore
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRefreshing:
		return "refreshing"
	case PhaseLoadingMore:
		return "loading_more"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

var transitions = map[Phase][]Phase{
	PhaseIdle:        {PhaseRefreshing, PhaseLoadingMore, PhaseError},
	PhaseRefreshing:  {PhaseIdle, PhaseRefreshing, PhaseError},
	PhaseLoadingMore: {PhaseIdle, PhaseRefreshing, PhaseError},
	PhaseError:       {PhaseRefreshing, PhaseLoadingMore, PhaseError},
}

// CanTransition reports whether moving from p to next is legal.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InFlight reports whether a fetch is outstanding in this phase.
func (p Phase) InFlight() bool {
	return p == PhaseRefreshing || p == PhaseLoadingMore
}
