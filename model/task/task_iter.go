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
package task

import "context"

type ILog interface {
	CreateLog(ctx context.Context, l *Log) (*Log, error)
	QueryLog(ctx context.Context, jobID string, limit int) ([]*Log, error)
	DeleteLog(ctx context.Context, jobIDs []string) error
}

type ICheckArchive interface {
	CreateCheckArchive(ctx context.Context, archives []*CheckArchive) error
	QueryCheckArchive(ctx context.Context, parentJobID, checkJobID string) ([]*CheckArchive, error)
	DeleteCheckArchive(ctx context.Context, parentJobID string) error
}
