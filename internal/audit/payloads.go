package audit

// Action names a security relevant event. Transaction and lifecycle actions
// use upper snake case; settlement events keep the colon separated names
// that subscribers already consume.
type Action string

const (
	ActionTransactionRejected Action = "TRANSACTION_REJECTED"
	ActionTransactionSent     Action = "TRANSACTION_SENT"
	ActionTransactionFailed   Action = "TRANSACTION_FAILED"
	ActionWalletCreated       Action = "WALLET_CREATED"
	ActionEmergencyFreeze     Action = "EMERGENCY_FREEZE"
	ActionEscrowRelease       Action = "ESCROW_RELEASE"
	ActionAgentStarted        Action = "AGENT_STARTED"
	ActionAgentStopped        Action = "AGENT_STOPPED"
	ActionAgentError          Action = "AGENT_ERROR"
	ActionEscrowCreated       Action = "escrow:created"
	ActionEscrowFunded        Action = "escrow:funded"
	ActionMilestoneCompleted  Action = "milestone:completed"
	ActionTaskCreated         Action = "task:created"
	ActionTaskAssigned        Action = "task:assigned"
)

// Payload is the typed body of an audit record. Each action has exactly one
// payload type.
type Payload interface {
	Action() Action
}

// TransactionRejected is written when the policy engine refuses a transfer.
type TransactionRejected struct {
	Reason         string  `json:"reason"`
	EstimatedValue float64 `json:"estimatedValue"`
	Recipient      string  `json:"recipient,omitempty"`
}

func (TransactionRejected) Action() Action { return ActionTransactionRejected }

// TransactionSent is written after a transfer is confirmed and counted.
type TransactionSent struct {
	Reference string  `json:"reference"`
	Value     float64 `json:"value"`
	Recipient string  `json:"recipient"`
}

func (TransactionSent) Action() Action { return ActionTransactionSent }

// TransactionFailed is written when the ledger collaborator fails after the
// transfer passed policy. Stage is one of sign, broadcast or confirm.
type TransactionFailed struct {
	Stage          string  `json:"stage"`
	Error          string  `json:"error"`
	EstimatedValue float64 `json:"estimatedValue"`
	Recipient      string  `json:"recipient,omitempty"`
	Reference      string  `json:"reference,omitempty"`
}

func (TransactionFailed) Action() Action { return ActionTransactionFailed }

// WalletCreated records the address and limits a wallet started with.
type WalletCreated struct {
	Address        string  `json:"address"`
	PerTransaction float64 `json:"perTransactionLimit"`
	PerHour        float64 `json:"perHourLimit"`
	PerDay         float64 `json:"perDayLimit"`
}

func (WalletCreated) Action() Action { return ActionWalletCreated }

// EmergencyFreeze records an operator or agent initiated lockout.
type EmergencyFreeze struct {
	Reason string `json:"reason"`
}

func (EmergencyFreeze) Action() Action { return ActionEmergencyFreeze }

// EscrowRelease records the ledger transfer behind a milestone payment.
type EscrowRelease struct {
	EscrowID       string  `json:"escrowId"`
	MilestoneIndex int     `json:"milestoneIndex"`
	Recipient      string  `json:"recipient"`
	Amount         float64 `json:"amount"`
	Reference      string  `json:"reference"`
}

func (EscrowRelease) Action() Action { return ActionEscrowRelease }

type AgentStarted struct {
	Name     string `json:"name"`
	Strategy string `json:"strategy"`
}

func (AgentStarted) Action() Action { return ActionAgentStarted }

type AgentStopped struct {
	Reason string `json:"reason,omitempty"`
}

func (AgentStopped) Action() Action { return ActionAgentStopped }

type AgentError struct {
	Error string `json:"error"`
}

func (AgentError) Action() Action { return ActionAgentError }

type EscrowCreated struct {
	EscrowID   string  `json:"escrowId"`
	EmployerID string  `json:"employerId"`
	EmployeeID string  `json:"employeeId"`
	Amount     float64 `json:"amount"`
	Milestones int     `json:"milestones"`
}

func (EscrowCreated) Action() Action { return ActionEscrowCreated }

type EscrowFunded struct {
	EscrowID string `json:"escrowId"`
}

func (EscrowFunded) Action() Action { return ActionEscrowFunded }

// MilestoneCompleted is written for every completed milestone, including the
// one that completes the escrow.
type MilestoneCompleted struct {
	EscrowID        string  `json:"escrowId"`
	MilestoneIndex  int     `json:"milestoneIndex"`
	Payment         float64 `json:"payment"`
	EscrowCompleted bool    `json:"escrowCompleted"`
}

func (MilestoneCompleted) Action() Action { return ActionMilestoneCompleted }

type TaskCreated struct {
	TaskID     string  `json:"taskId"`
	EmployerID string  `json:"employerId"`
	Type       string  `json:"type"`
	Budget     float64 `json:"budget"`
}

func (TaskCreated) Action() Action { return ActionTaskCreated }

type TaskAssigned struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
}

func (TaskAssigned) Action() Action { return ActionTaskAssigned }
