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
package constant

// Consistency check algorithm type names
const (
	CheckAlgorithmCountMatch = "COUNT_MATCH"
	CheckAlgorithmCRC32Match = "CRC32_MATCH"
	CheckAlgorithmMD5Match   = "MD5_MATCH"
	CheckAlgorithmDataMatch  = "DATA_MATCH"
)

// Consistency check algorithm properties
const (
	CheckPropChunkSize        = "chunk-size"
	CheckPropReportURL        = "report-url"
	CheckPropMaxMismatches    = "max-mismatches"
	CheckPropTableConcurrency = "table-concurrency"
)

const (
	DefaultCheckChunkSize        = 1000
	DefaultCheckMaxMismatches    = 100
	DefaultCheckTableConcurrency = 2
	DefaultCheckRetryCount       = 2
)

// Ignored reasons of a table in a check job
const (
	CheckIgnoredNoUniqueKey = "NO_UNIQUE_KEY"
)
