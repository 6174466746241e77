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
package governance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// Key layout:
//
//	/scaling/jobs/<jobId>/config
//	/scaling/jobs/<jobId>/items/<shardingItem>
//	/scaling/jobs/<jobId>/check/latest_job_id
//	/scaling/jobs/<jobId>/check/results/<checkJobId>
//	/scaling/locks/<jobId>/<shardingItem>

func JobKey(jobID string) string {
	return stringutil.StringBuilder(constant.DefaultGovernanceJobPrefixKey, jobID)
}

func JobConfigKey(jobID string) string {
	return stringutil.StringJoin([]string{JobKey(jobID), constant.DefaultGovernanceJobConfigKey}, constant.StringSeparatorSlash)
}

func JobItemsKey(jobID string) string {
	return stringutil.StringJoin([]string{JobKey(jobID), constant.DefaultGovernanceJobItemsKey}, constant.StringSeparatorSlash)
}

func JobItemKey(jobID string, shardingItem int) string {
	return stringutil.StringJoin([]string{JobItemsKey(jobID), strconv.Itoa(shardingItem)}, constant.StringSeparatorSlash)
}

func CheckLatestJobIDKey(parentJobID string) string {
	return stringutil.StringJoin([]string{JobKey(parentJobID), constant.DefaultGovernanceJobCheckKey, constant.DefaultGovernanceCheckLatestKey}, constant.StringSeparatorSlash)
}

func CheckResultKey(parentJobID, checkJobID string) string {
	return stringutil.StringJoin([]string{JobKey(parentJobID), constant.DefaultGovernanceJobCheckKey, constant.DefaultGovernanceCheckResultsKey, checkJobID}, constant.StringSeparatorSlash)
}

func ItemLockKey(jobID string, shardingItem int) string {
	return stringutil.StringJoin([]string{stringutil.StringBuilder(constant.DefaultGovernanceLockPrefixKey, jobID), strconv.Itoa(shardingItem)}, constant.StringSeparatorSlash)
}

// ParseJobConfigKey extracts the job id of a job config key
func ParseJobConfigKey(key string) (string, bool) {
	if !strings.HasPrefix(key, constant.DefaultGovernanceJobPrefixKey) {
		return "", false
	}
	items := strings.Split(strings.TrimPrefix(key, constant.DefaultGovernanceJobPrefixKey), constant.StringSeparatorSlash)
	if len(items) != 2 || items[1] != constant.DefaultGovernanceJobConfigKey {
		return "", false
	}
	return items[0], true
}

// JobAPI is the typed access to the job data of a repository
type JobAPI struct {
	repo Repository
}

func NewJobAPI(repo Repository) *JobAPI {
	return &JobAPI{repo: repo}
}

func (a *JobAPI) Repository() Repository {
	return a.repo
}

func (a *JobAPI) PersistJobConfiguration(ctx context.Context, jobID, config string) error {
	return a.repo.Persist(ctx, JobConfigKey(jobID), config)
}

func (a *JobAPI) GetJobConfiguration(ctx context.Context, jobID string) (string, error) {
	return a.repo.Get(ctx, JobConfigKey(jobID))
}

// ListJobConfigurations returns job id -> configuration of every job
func (a *JobAPI) ListJobConfigurations(ctx context.Context) (map[string]string, error) {
	kvs, err := a.repo.List(ctx, constant.DefaultGovernanceJobPrefixKey)
	if err != nil {
		return nil, err
	}
	configs := make(map[string]string)
	for _, kv := range kvs {
		if jobID, ok := ParseJobConfigKey(kv.Key); ok {
			configs[jobID] = kv.Value
		}
	}
	return configs, nil
}

// DeleteJob removes the job config, progress and check data
func (a *JobAPI) DeleteJob(ctx context.Context, jobID string) error {
	return a.repo.DeletePrefix(ctx, stringutil.StringBuilder(JobKey(jobID), constant.StringSeparatorSlash))
}

func (a *JobAPI) PersistItemProgress(ctx context.Context, jobID string, shardingItem int, progress string) error {
	return a.repo.Persist(ctx, JobItemKey(jobID, shardingItem), progress)
}

func (a *JobAPI) GetItemProgress(ctx context.Context, jobID string, shardingItem int) (string, error) {
	return a.repo.Get(ctx, JobItemKey(jobID, shardingItem))
}

// ListItemProgress returns sharding item -> progress, ordered by item through ItemKeys
func (a *JobAPI) ListItemProgress(ctx context.Context, jobID string) (map[int]string, error) {
	prefix := stringutil.StringBuilder(JobItemsKey(jobID), constant.StringSeparatorSlash)
	kvs, err := a.repo.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	progresses := make(map[int]string, len(kvs))
	for _, kv := range kvs {
		item, err := strconv.Atoi(strings.TrimPrefix(kv.Key, prefix))
		if err != nil {
			return nil, fmt.Errorf("parse job [%s] item key [%s] failed: %v", jobID, kv.Key, err)
		}
		progresses[item] = kv.Value
	}
	return progresses, nil
}

// ItemKeys returns the sorted sharding items of a progress map
func ItemKeys(progresses map[int]string) []int {
	items := make([]int, 0, len(progresses))
	for k := range progresses {
		items = append(items, k)
	}
	sort.Ints(items)
	return items
}

func (a *JobAPI) PersistLatestCheckJobID(ctx context.Context, parentJobID, checkJobID string) error {
	return a.repo.Persist(ctx, CheckLatestJobIDKey(parentJobID), checkJobID)
}

// GetLatestCheckJobID returns an empty id when no check job ever ran
func (a *JobAPI) GetLatestCheckJobID(ctx context.Context, parentJobID string) (string, error) {
	id, err := a.repo.Get(ctx, CheckLatestJobIDKey(parentJobID))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return id, err
}

func (a *JobAPI) DeleteLatestCheckJobID(ctx context.Context, parentJobID string) error {
	return a.repo.Delete(ctx, CheckLatestJobIDKey(parentJobID))
}

func (a *JobAPI) PersistCheckResult(ctx context.Context, parentJobID, checkJobID, result string) error {
	return a.repo.Persist(ctx, CheckResultKey(parentJobID, checkJobID), result)
}

func (a *JobAPI) GetCheckResult(ctx context.Context, parentJobID, checkJobID string) (string, error) {
	return a.repo.Get(ctx, CheckResultKey(parentJobID, checkJobID))
}

func (a *JobAPI) DeleteCheckResult(ctx context.Context, parentJobID, checkJobID string) error {
	return a.repo.Delete(ctx, CheckResultKey(parentJobID, checkJobID))
}

// LockItem takes the exclusive run lock of a sharding item
func (a *JobAPI) LockItem(ctx context.Context, jobID string, shardingItem int) (Unlocker, error) {
	return a.repo.Lock(ctx, ItemLockKey(jobID, shardingItem))
}
