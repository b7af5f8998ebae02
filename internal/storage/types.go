package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrMasterExists = errors.New("a master user already exists")
	ErrNotMaster    = errors.New("operator is not the master user")
	ErrInvalidEnum  = errors.New("invalid enum value")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

type Frequency string

const (
	Once  Frequency = "once"
	Daily Frequency = "daily"
)

func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(s))); f {
	case Once, Daily:
		return f, nil
	}
	return "", fmt.Errorf("%w: frequency %q", ErrInvalidEnum, s)
}

type Creator string

const (
	BySystem Creator = "system"
	ByUser   Creator = "user"
)

func ParseCreator(s string) (Creator, error) {
	switch c := Creator(strings.ToLower(strings.TrimSpace(s))); c {
	case BySystem, ByUser:
		return c, nil
	}
	return "", fmt.Errorf("%w: creator %q", ErrInvalidEnum, s)
}

type Relation string

const (
	Master   Relation = "master"
	Friend   Relation = "friend"
	Stranger Relation = "stranger"
)

func ParseRelation(s string) (Relation, error) {
	switch r := Relation(strings.ToLower(strings.TrimSpace(s))); r {
	case Master, Friend, Stranger:
		return r, nil
	case "guest":
		return Friend, nil
	}
	return "", fmt.Errorf("%w: relation %q", ErrInvalidEnum, s)
}

// ScheduledTask is a persisted reminder job.
type ScheduledTask struct {
	ID           int64
	Frequency    Frequency
	CronExpr     string
	TargetUserID int64
	Content      string
	CreatedBy    Creator
	Enabled      bool
	LastRunAt    *time.Time
	NextRunAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type CreateTaskRequest struct {
	TargetUserID int64
	Frequency    Frequency
	CronExpr     string
	Content      string
	CreatedBy    Creator
}

type User struct {
	ID           int64
	Name         string
	Relation     Relation
	CustomPrompt string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	UserID      int64
	EnabledOnly bool
	CreatedBy   Creator
}
