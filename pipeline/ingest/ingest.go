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
package ingest

import (
	"context"
	"errors"

	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/pipeline/channel"
	"github.com/wentaojin/scaling/pipeline/position"
)

// ErrSourceUnavailable is returned when the change stream no longer holds the
// requested position, the task must not retry or skip ahead
var ErrSourceUnavailable = errors.New("the incremental source history is unavailable at the requested position")

// Dumper reads a source and pushes records into a channel until it is done or stopped
type Dumper interface {
	Dump(ctx context.Context, producer channel.Producer) error
	// Stop interrupts a blocked read, safe from any goroutine
	Stop()
}

// IncrementalDumper streams change events of a source
type IncrementalDumper interface {
	Dumper
}

// IncrementalConfig describes the change stream a job item consumes
type IncrementalConfig struct {
	JobID        string
	ShardingItem int
	DataSource   *datasource.Descriptor
	// Tables are the filter rules of the source tables, events of other tables become placeholders
	Tables []string
	// Position is the start position, nil starts at the current position
	Position  position.Position
	BatchSize int
}

// IncrementalSource is implemented by the databases able to stream their changes
type IncrementalSource interface {
	// CurrentPosition prepares the change stream of the job item and returns its head
	CurrentPosition(ctx context.Context, cfg *IncrementalConfig) (position.Position, error)
	NewIncrementalDumper(cfg *IncrementalConfig) (IncrementalDumper, error)
}

// PositionAcker is implemented by dumpers that confirm consumed positions to the source
type PositionAcker interface {
	AckPosition(pos position.Position)
}

// IncrementalCleaner releases the source side resources of a job item, eg. a replication slot
type IncrementalCleaner interface {
	CleanIncremental(ctx context.Context, cfg *IncrementalConfig) error
}
