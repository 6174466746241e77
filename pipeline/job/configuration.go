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
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// TableRef names a table of a registered storage unit
type TableRef struct {
	DataSource string `yaml:"dataSource" json:"dataSource"`
	Table      string `yaml:"table" json:"table"`
}

func (t TableRef) String() string {
	if t.DataSource == "" {
		return t.Table
	}
	return stringutil.StringJoin([]string{t.DataSource, t.Table}, constant.StringSeparatorDot)
}

// Configuration is the persisted definition of a migration or consistency check job.
// A migration job has one sharding item per source table.
type Configuration struct {
	JobID         string     `yaml:"jobId"`
	JobType       string     `yaml:"jobType"`
	Disabled      bool       `yaml:"disabled"`
	CreateTime    string     `yaml:"createTime"`
	StopTime      string     `yaml:"stopTime,omitempty"`
	ShardingCount int        `yaml:"shardingCount"`
	Sources       []TableRef `yaml:"sources,omitempty"`
	Target        TableRef   `yaml:"target,omitempty"`
	// Incremental keeps streaming changes once the inventory is copied,
	// an inventory only job is FINISHED when the copy completes
	Incremental bool `yaml:"incremental"`
	// Concurrency bounds the inventory ranges of a table and the running inventory tasks
	Concurrency     int  `yaml:"concurrency,omitempty"`
	ImporterLanes   int  `yaml:"importerLanes,omitempty"`
	BatchSize       int  `yaml:"batchSize,omitempty"`
	FetchSize       int  `yaml:"fetchSize,omitempty"`
	ChannelCapacity int  `yaml:"channelCapacity,omitempty"`
	RetryTimes      uint `yaml:"retryTimes,omitempty"`

	ParentJobID       string            `yaml:"parentJobId,omitempty"`
	AlgorithmTypeName string            `yaml:"algorithmTypeName,omitempty"`
	AlgorithmProps    map[string]string `yaml:"algorithmProps,omitempty"`
}

// Marshal renders the configuration as YAML
func (c *Configuration) Marshal() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal job [%s] configuration failed: %v", c.JobID, err)
	}
	return string(b), nil
}

// UnmarshalConfiguration parses and validates a persisted configuration
func UnmarshalConfiguration(s string) (*Configuration, error) {
	c := &Configuration{}
	if err := yaml.UnmarshalStrict([]byte(s), c); err != nil {
		return nil, fmt.Errorf("unmarshal job configuration failed: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Configuration) Validate() error {
	if c.JobID == "" {
		return fmt.Errorf("the job configuration requires a job id")
	}
	if c.ShardingCount <= 0 {
		return fmt.Errorf("the job [%s] sharding count [%d] must be positive", c.JobID, c.ShardingCount)
	}
	switch c.JobType {
	case constant.JobTypeMigration:
		if len(c.Sources) != c.ShardingCount {
			return fmt.Errorf("the job [%s] sharding count [%d] does not match the source tables [%d]", c.JobID, c.ShardingCount, len(c.Sources))
		}
		if c.Target.Table == "" {
			return fmt.Errorf("the job [%s] requires a target table", c.JobID)
		}
	case constant.JobTypeConsistencyCheck:
		if c.ParentJobID == "" {
			return fmt.Errorf("the job [%s] requires a parent job id", c.JobID)
		}
	default:
		return fmt.Errorf("the job [%s] type [%s] is not support", c.JobID, c.JobType)
	}
	return nil
}

// Clone returns a deep copy
func (c *Configuration) Clone() *Configuration {
	n := *c
	n.Sources = append([]TableRef(nil), c.Sources...)
	if c.AlgorithmProps != nil {
		n.AlgorithmProps = make(map[string]string, len(c.AlgorithmProps))
		for k, v := range c.AlgorithmProps {
			n.AlgorithmProps[k] = v
		}
	}
	return &n
}

func (c *Configuration) concurrency() int {
	if c.Concurrency <= 0 {
		return constant.DefaultPipelineInventoryThreads
	}
	return c.Concurrency
}

func (c *Configuration) importerLanes() int {
	if c.ImporterLanes <= 0 {
		return constant.DefaultPipelineImporterLanes
	}
	return c.ImporterLanes
}

// IDGenerator creates migration job ids
type IDGenerator func() string

// NewJobID is the default generator, j01 followed by the hex of a random uuid
func NewJobID() string {
	return stringutil.StringBuilder(constant.JobIDPrefixMigration, strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// JobTypeOf derives the job type from the id prefix
func JobTypeOf(jobID string) (string, error) {
	switch {
	case strings.HasPrefix(jobID, constant.JobIDPrefixMigration):
		return constant.JobTypeMigration, nil
	case strings.HasPrefix(jobID, constant.JobIDPrefixConsistencyCheck):
		return constant.JobTypeConsistencyCheck, nil
	default:
		return "", fmt.Errorf("the job id [%s] prefix is unknown", jobID)
	}
}
