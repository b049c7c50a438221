package types

import (
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

//-----------------------------------------------------------------------------
// RoundStepType enum type

// RoundStepType enumerates the state of the consensus state machine
type RoundStepType uint8

// RoundStepType
const (
	RoundStepInitial      = RoundStepType(0x01) // reset之后，还没有提案
	RoundStepPreparing    = RoundStepType(0x02) // 发出或收到PrepareRequest
	RoundStepCommitting   = RoundStepType(0x03) // 已经发出Commit
	RoundStepFinalized    = RoundStepType(0x04) // 区块已经交给账本
	RoundStepViewChanging = RoundStepType(0x05) // 已经请求换视图，等待M个ChangeView
)

// IsValid returns true if the step is valid, false if unknown/undefined.
func (rs RoundStepType) IsValid() bool {
	return uint8(rs) >= 0x01 && uint8(rs) <= 0x05
}

// String returns a string
func (rs RoundStepType) String() string {
	switch rs {
	case RoundStepInitial:
		return "RoundStepInitial"
	case RoundStepPreparing:
		return "RoundStepPreparing"
	case RoundStepCommitting:
		return "RoundStepCommitting"
	case RoundStepFinalized:
		return "RoundStepFinalized"
	case RoundStepViewChanging:
		return "RoundStepViewChanging"
	default:
		return "RoundStepUnknown" // Cannot panic.
	}
}

//-----------------------------------------------------------------------------
// RoleType enum type

// RoleType 节点在当前view中的角色
type RoleType uint8

const (
	RolePrimary   = RoleType(0x01)
	RoleBackup    = RoleType(0x02)
	RoleWatchOnly = RoleType(0x03)
)

func (r RoleType) String() string {
	switch r {
	case RolePrimary:
		return "Primary"
	case RoleBackup:
		return "Backup"
	case RoleWatchOnly:
		return "WatchOnly"
	default:
		return "Unknown"
	}
}

// RoundStateSimple 共识状态的快照，供RPC和metric使用
type RoundStateSimple struct {
	Height       uint32           `json:"height"`
	View         uint8            `json:"view"`
	Step         string           `json:"step"`
	Role         string           `json:"role"`
	PrimaryIndex uint8            `json:"primary_index"`
	MyIndex      int32            `json:"my_index"`
	BlockHash    tmbytes.HexBytes `json:"block_hash"`
	Validators   int              `json:"validators"`

	Preparations int `json:"preparations"`
	Commits      int `json:"commits"`
	ChangeViews  int `json:"change_views"`
	Failed       int `json:"failed"`

	RecoveryState string `json:"recovery_state"`
}

func (rs RoundStateSimple) String() string {
	return fmt.Sprintf("RoundState{%d/%d %s %s primary:%d prep:%d commit:%d cv:%d}",
		rs.Height, rs.View, rs.Step, rs.Role, rs.PrimaryIndex, rs.Preparations, rs.Commits, rs.ChangeViews)
}
