package client

import "github.com/docker/go-metrics"

var (
	operationActions  metrics.LabeledTimer
	operationFailures metrics.LabeledCounter
)

func init() {
	ns := metrics.NewNamespace("criu", "client", nil)
	operationActions = ns.NewLabeledTimer("operations", "The number of seconds it takes to complete each criu operation", "action")
	operationFailures = ns.NewLabeledCounter("operation_failures", "The number of failed criu operations", "action", "reason")
	for _, a := range []string{
		opDump,
		opRestore,
		opRestoreChild,
		opCheck,
		opVersion,
	} {
		operationActions.WithValues(a).Update(0)
	}
	metrics.Register(ns)
}
