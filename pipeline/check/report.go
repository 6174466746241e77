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
package check

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/common"
	modeltask "github.com/wentaojin/scaling/model/task"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// Report is the exported document of a finished check
type Report struct {
	ParentJobID   string    `json:"parentJobId"`
	CheckJobID    string    `json:"checkJobId"`
	AlgorithmType string    `json:"algorithmType"`
	Matched       bool      `json:"matched"`
	FinishedAt    time.Time `json:"finishedAt"`
	Results       Results   `json:"results"`
}

// ReportKey is the object key of a check report inside the bucket
func ReportKey(parentJobID, checkJobID string) string {
	return fmt.Sprintf("%s/%s.json", parentJobID, checkJobID)
}

// ExportReport writes the report as JSON into the bucket url, eg. file:///var/scaling/reports or s3://bucket?region=us-east-1
func ExportReport(ctx context.Context, bucketURL string, r *Report) error {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return fmt.Errorf("open the check report bucket [%s] failed: %w", bucketURL, err)
	}
	defer bucket.Close()

	data, err := stringutil.MarshalIndentJSON(r)
	if err != nil {
		return fmt.Errorf("marshal the check [%s] report failed: %v", r.CheckJobID, err)
	}
	key := ReportKey(r.ParentJobID, r.CheckJobID)
	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("create the check report writer [%s] failed: %w", key, err)
	}
	if _, err = w.Write([]byte(data)); err != nil {
		w.Close()
		return fmt.Errorf("write the check report [%s] failed: %w", key, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("close the check report writer [%s] failed: %w", key, err)
	}
	logger.Info("the consistency check report exported",
		zap.String("check_job_id", r.CheckJobID),
		zap.String("bucket", bucketURL),
		zap.String("key", key))
	return nil
}

// ReadReport reads an exported report back
func ReadReport(ctx context.Context, bucketURL, parentJobID, checkJobID string) (*Report, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open the check report bucket [%s] failed: %w", bucketURL, err)
	}
	defer bucket.Close()
	data, err := bucket.ReadAll(ctx, ReportKey(parentJobID, checkJobID))
	if err != nil {
		return nil, fmt.Errorf("read the check report [%s] failed: %w", checkJobID, err)
	}
	r := &Report{}
	if err = stringutil.UnmarshalJSON(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Archives converts the results into the metadata database rows
func Archives(parentJobID, checkJobID string, results Results) ([]*modeltask.CheckArchive, error) {
	var archives []*modeltask.CheckArchive
	for _, name := range results.TableNames() {
		r := results[name]
		detail := ""
		if len(r.ContentCheck.Mismatches) > 0 {
			s, err := stringutil.MarshalJSON(r.ContentCheck.Mismatches)
			if err != nil {
				return nil, err
			}
			detail = s
		}
		archives = append(archives, &modeltask.CheckArchive{
			ParentJobID:    parentJobID,
			CheckJobID:     checkJobID,
			TableName:      name,
			AlgorithmType:  r.AlgorithmType,
			SourceRecords:  r.CountCheck.SourceRecordsCount,
			TargetRecords:  r.CountCheck.TargetRecordsCount,
			CountMatched:   r.CountCheck.Matched,
			ContentMatched: r.ContentCheck.Matched,
			IgnoredType:    r.IgnoredType,
			MismatchDetail: detail,
			Entity:         &common.Entity{},
		})
	}
	return archives, nil
}
