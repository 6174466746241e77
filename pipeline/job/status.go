/*
Copyright © 2020 Marvin

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package job

import (
	"errors"
	"fmt"

	"github.com/wentaojin/scaling/utils/constant"
)

var ErrIllegalStatusTransition = errors.New("illegal job status transition")

// transitions lists the statuses reachable from a status, the empty status is a new item
var transitions = map[string][]string{
	"": {constant.JobStatusPreparing, constant.JobStatusRunning},
	constant.JobStatusPreparing: {
		constant.JobStatusExecuteInventoryTask,
		constant.JobStatusExecuteIncrementalTask,
		constant.JobStatusFinished,
		constant.JobStatusPreparingFailure,
		constant.JobStatusStopping,
	},
	constant.JobStatusExecuteInventoryTask: {
		constant.JobStatusExecuteIncrementalTask,
		constant.JobStatusFinished,
		constant.JobStatusExecuteInventoryTaskFailure,
		constant.JobStatusPreparing,
		constant.JobStatusStopping,
	},
	constant.JobStatusExecuteIncrementalTask: {
		constant.JobStatusFinished,
		constant.JobStatusExecuteIncrementalTaskFailure,
		constant.JobStatusPreparing,
		constant.JobStatusStopping,
	},
	constant.JobStatusRunning: {
		constant.JobStatusFinished,
		constant.JobStatusConsistencyCheckFailure,
		constant.JobStatusStopping,
	},
	constant.JobStatusStopping: {constant.JobStatusStopped},
	constant.JobStatusStopped:  {constant.JobStatusPreparing, constant.JobStatusRunning, constant.JobStatusFinished},
	constant.JobStatusPreparingFailure: {
		constant.JobStatusPreparing, constant.JobStatusStopping,
	},
	constant.JobStatusExecuteInventoryTaskFailure: {
		constant.JobStatusPreparing, constant.JobStatusStopping,
	},
	constant.JobStatusExecuteIncrementalTaskFailure: {
		constant.JobStatusPreparing, constant.JobStatusStopping,
	},
	constant.JobStatusConsistencyCheckFailure: {
		constant.JobStatusRunning, constant.JobStatusStopping,
	},
	constant.JobStatusFinished: {},
}

// CanTransition reports whether an item may move from one status to another, staying is always allowed
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: from [%s] to [%s]", ErrIllegalStatusTransition, from, to)
	}
	return nil
}

// FailureStatus maps the status an item failed in to its failure status
func FailureStatus(status string) string {
	switch status {
	case constant.JobStatusExecuteInventoryTask:
		return constant.JobStatusExecuteInventoryTaskFailure
	case constant.JobStatusExecuteIncrementalTask:
		return constant.JobStatusExecuteIncrementalTaskFailure
	case constant.JobStatusRunning:
		return constant.JobStatusConsistencyCheckFailure
	default:
		return constant.JobStatusPreparingFailure
	}
}

// IsFailure reports a failed item
func IsFailure(status string) bool {
	switch status {
	case constant.JobStatusPreparingFailure,
		constant.JobStatusExecuteInventoryTaskFailure,
		constant.JobStatusExecuteIncrementalTaskFailure,
		constant.JobStatusConsistencyCheckFailure:
		return true
	default:
		return false
	}
}
