package domain

import "fmt"

type RecordStatus string

const (
	StatusValidated       RecordStatus = "VALIDADO"
	StatusSentToValidator RecordStatus = "ENVIADO_VALIDADORA"
	StatusReleased        RecordStatus = "LIBERADO_PAGAMENTO"
	StatusPaid            RecordStatus = "PAGO"
)

// RecordStatuses lists record states in pipeline order.
var RecordStatuses = []RecordStatus{StatusValidated, StatusSentToValidator, StatusReleased, StatusPaid}

// recordTransitions is the single linear path a record may take.
var recordTransitions = map[RecordStatus]RecordStatus{
	StatusValidated:       StatusSentToValidator,
	StatusSentToValidator: StatusReleased,
	StatusReleased:        StatusPaid,
}

func (s RecordStatus) Valid() bool {
	for _, v := range RecordStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Next returns the only status s may move to. ok is false for the terminal state.
func (s RecordStatus) Next() (RecordStatus, bool) {
	next, ok := recordTransitions[s]
	return next, ok
}

// CanTransition reports whether a record may move from -> to.
func CanTransition(from, to RecordStatus) bool {
	next, ok := recordTransitions[from]
	return ok && next == to
}

type LotStatus string

const (
	LotPendingValidator LotStatus = "PENDENTE_VALIDADORA"
	LotPaidByValidator  LotStatus = "PAGO_VALIDADORA"
)

func (s LotStatus) Valid() bool {
	return s == LotPendingValidator || s == LotPaidByValidator
}

// CanTransitionLot reports whether a lot may move from -> to.
func CanTransitionLot(from, to LotStatus) bool {
	return from == LotPendingValidator && to == LotPaidByValidator
}

// TransitionError is returned when a write would break the status pipeline.
type TransitionError struct {
	Kind string
	From string
	To   string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Kind, e.From, e.To)
}
