package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type JobType string

const (
	JobTypeChase JobType = "chase"
	JobTypeScale JobType = "scale"
	JobTypeSwarm JobType = "swarm"
)

type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStatePaused    JobState = "paused"
	JobStateCompleted JobState = "completed"
	JobStateCancelled JobState = "cancelled"
	JobStateFailed    JobState = "failed"
)

func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateCancelled || s == JobStateFailed
}

// AlgoJob is one running or finished chase, scale or swarm instance.
type AlgoJob struct {
	JobID         string
	Type          JobType
	Params        JobParams
	State         JobState
	ChildOrderIDs []string
	Error         string
	CreatedAt     time.Time
	StartedAt     time.Time
	EndedAt       time.Time
}

// JobParams holds the parameters of every job type; only the fields of Type are read.
type JobParams struct {
	Symbol     string          `json:"symbol"`
	Exchange   string          `json:"exchange,omitempty"`
	Side       OrderSide       `json:"side"`
	Product    string          `json:"product,omitempty"`
	StrategyID string          `json:"strategy_id,omitempty"`
	Quantity   int             `json:"quantity"`
	Count      int             `json:"count,omitempty"`
	StartPrice decimal.Decimal `json:"start_price"`
	EndPrice   decimal.Decimal `json:"end_price"`

	InitialPrice decimal.Decimal `json:"initial_price"`
	MaxMoves     int             `json:"max_moves,omitempty"`
	TickSize     decimal.Decimal `json:"tick_size"`
	// LimitPrice caps how far a chase may move; zero means uncapped.
	LimitPrice decimal.Decimal `json:"limit_price"`

	Irregular bool `json:"irregular,omitempty"`
	// Price is used for swarm legs; zero places market orders.
	Price decimal.Decimal `json:"price"`
}
