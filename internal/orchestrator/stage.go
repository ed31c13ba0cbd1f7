package orchestrator

import "github.com/rollmaint/rollmaint/internal/config"

// Stage is where a pair stands in its upgrade sequence. Stages advance
// strictly forward; Failed is terminal and reachable from any stage.
type Stage string

const (
	StagePending        Stage = "Pending"
	StageDraining       Stage = "Draining"
	StageMigrating      Stage = "Migrating"
	StageHostRestarting Stage = "HostRestarting"
	StageValidating     Stage = "Validating"
	StageUncordoning    Stage = "Uncordoning"
	StageComplete       Stage = "Complete"
	StageFailed         Stage = "Failed"
)

// PairID is the stable identifier of a pair across runs.
func PairID(pair config.PairConfig) string {
	return pair.Hypervisor + "/" + pair.Node
}
