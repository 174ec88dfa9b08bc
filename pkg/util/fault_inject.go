package util

import (
	"sync"
	"sync/atomic"
)

const (
	FAULTS_COUNT       int = 16
	FAULTS_SCOPE_SPILL int = 0
	FAULTS_SCOPE_AGGR  int = 1
)

// fault names
const (
	FaultSpillWrite = "spill.write"
	FaultSpillRead  = "spill.read"
)

var faultsSwitch [FAULTS_COUNT]Faults

type Faults struct {
	_enable atomic.Bool
	_faults sync.Map
}

type FaultAction struct {
	Args   []string
	Action func([]string) error
}

func (fa *FaultAction) Run() error {
	if fa == nil || fa.Action == nil {
		return nil
	}
	return fa.Action(fa.Args)
}

func validScope(scope int) bool {
	return scope >= 0 && scope < FAULTS_COUNT
}

func EnableFaults(scope int) {
	if !validScope(scope) {
		return
	}
	faultsSwitch[scope]._enable.Store(true)
}

func DisableFaults(scope int) {
	if !validScope(scope) {
		return
	}
	faultsSwitch[scope]._enable.Store(false)
	faultsSwitch[scope]._faults.Clear()
}

func CheckFault(scope int, faultName string) *FaultAction {
	if !validScope(scope) || !faultsSwitch[scope]._enable.Load() {
		return nil
	}
	val, ok := faultsSwitch[scope]._faults.Load(faultName)
	if !ok || val == nil {
		return nil
	}
	return val.(*FaultAction)
}

// InjectFault returns the error of the registered action, if any.
func InjectFault(scope int, faultName string) error {
	return CheckFault(scope, faultName).Run()
}

func RegisterFault(scope int, faultName string, args []string, action func([]string) error) {
	if !validScope(scope) || !faultsSwitch[scope]._enable.Load() {
		return
	}
	faultsSwitch[scope]._faults.Store(faultName, &FaultAction{Args: args, Action: action})
}
