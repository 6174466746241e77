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
package service

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/pipeline/job"
)

// Statement kinds
const (
	StmtMigrateTable         = "MIGRATE_TABLE"
	StmtCheckMigration       = "CHECK_MIGRATION"
	StmtCommitMigration      = "COMMIT_MIGRATION"
	StmtRollbackMigration    = "ROLLBACK_MIGRATION"
	StmtStartMigration       = "START_MIGRATION"
	StmtStopMigration        = "STOP_MIGRATION"
	StmtStartMigrationCheck  = "START_MIGRATION_CHECK"
	StmtStopMigrationCheck   = "STOP_MIGRATION_CHECK"
	StmtDropMigrationCheck   = "DROP_MIGRATION_CHECK"
	StmtShowMigrationList    = "SHOW_MIGRATION_LIST"
	StmtShowMigrationStatus  = "SHOW_MIGRATION_STATUS"
	StmtShowCheckStatus      = "SHOW_MIGRATION_CHECK_STATUS"
	StmtShowCheckAlgorithms  = "SHOW_MIGRATION_CHECK_ALGORITHMS"
	StmtShowSourceUnits      = "SHOW_MIGRATION_SOURCE_STORAGE_UNITS"
	StmtRegisterSourceUnit   = "REGISTER_MIGRATION_SOURCE_STORAGE_UNIT"
	StmtUnregisterSourceUnit = "UNREGISTER_MIGRATION_SOURCE_STORAGE_UNIT"
)

// Statement is a parsed migration administration statement
type Statement struct {
	Kind  string
	JobID string
	// MIGRATE TABLE
	Sources []job.TableRef
	Target  job.TableRef
	// CHECK MIGRATION
	AlgorithmType  string
	AlgorithmProps map[string]string
	// REGISTER / UNREGISTER
	StorageUnits []*datasource.Descriptor
	Names        []string
}

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenString
	tokenSymbol
	tokenEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokenEOF {
		return "end of statement"
	}
	return fmt.Sprintf("'%s' at %d", t.text, t.pos)
}

func tokenize(sql string) ([]token, error) {
	var (
		tokens []token
		runes  = []rune(sql)
	)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '\'' || r == '"' || r == '`':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < len(runes) {
				if runes[i] == r {
					// a doubled quote is an escaped quote
					if i+1 < len(runes) && runes[i+1] == r {
						sb.WriteRune(r)
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted text at %d", start)
			}
			kind := tokenString
			if r == '`' {
				kind = tokenWord
			}
			tokens = append(tokens, token{kind: kind, text: sb.String(), pos: start})
		case strings.ContainsRune("(),.=;", r):
			tokens = append(tokens, token{kind: tokenSymbol, text: string(r), pos: i})
			i++
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$' || r == '-':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '$' || runes[i] == '-') {
				i++
			}
			tokens = append(tokens, token{kind: tokenWord, text: string(runes[start:i]), pos: start})
		default:
			return nil, fmt.Errorf("unexpected character '%c' at %d", r, i)
		}
	}
	return append(tokens, token{kind: tokenEOF, pos: len(runes)}), nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

// isKeyword reports whether the next token is the keyword
func (p *parser) isKeyword(keyword string) bool {
	t := p.peek()
	return t.kind == tokenWord && strings.EqualFold(t.text, keyword)
}

func (p *parser) acceptKeyword(keyword string) bool {
	if p.isKeyword(keyword) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectKeywords(keywords ...string) error {
	for _, k := range keywords {
		if !p.acceptKeyword(k) {
			return fmt.Errorf("expect %s, got %s", k, p.peek())
		}
	}
	return nil
}

func (p *parser) acceptSymbol(symbol string) bool {
	t := p.peek()
	if t.kind == tokenSymbol && t.text == symbol {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectSymbol(symbol string) error {
	if !p.acceptSymbol(symbol) {
		return fmt.Errorf("expect '%s', got %s", symbol, p.peek())
	}
	return nil
}

func (p *parser) identifier() (string, error) {
	t := p.next()
	if t.kind != tokenWord {
		return "", fmt.Errorf("expect an identifier, got %s", t)
	}
	return t.text, nil
}

func (p *parser) literal() (string, error) {
	t := p.next()
	if t.kind != tokenString && t.kind != tokenWord {
		return "", fmt.Errorf("expect a literal, got %s", t)
	}
	return t.text, nil
}

// tableRef parses [<ds>.]<table>
func (p *parser) tableRef() (job.TableRef, error) {
	first, err := p.identifier()
	if err != nil {
		return job.TableRef{}, err
	}
	if !p.acceptSymbol(".") {
		return job.TableRef{Table: first}, nil
	}
	table, err := p.identifier()
	if err != nil {
		return job.TableRef{}, err
	}
	return job.TableRef{DataSource: first, Table: table}, nil
}

// properties parses ('k'='v', ...) into m
func (p *parser) properties(m map[string]string) error {
	if err := p.expectSymbol("("); err != nil {
		return err
	}
	if p.acceptSymbol(")") {
		return nil
	}
	for {
		k, err := p.literal()
		if err != nil {
			return err
		}
		if err = p.expectSymbol("="); err != nil {
			return err
		}
		v, err := p.literal()
		if err != nil {
			return err
		}
		m[k] = v
		if p.acceptSymbol(")") {
			return nil
		}
		if err = p.expectSymbol(","); err != nil {
			return err
		}
	}
}

func (p *parser) jobID() (string, error) {
	t := p.next()
	if t.kind != tokenString && t.kind != tokenWord {
		return "", fmt.Errorf("expect a job id, got %s", t)
	}
	if t.text == "" {
		return "", fmt.Errorf("the job id is empty")
	}
	return t.text, nil
}

func (p *parser) end() error {
	p.acceptSymbol(";")
	if t := p.peek(); t.kind != tokenEOF {
		return fmt.Errorf("unexpected %s", t)
	}
	return nil
}

// ParseStatement parses one migration administration statement, keywords are case insensitive
func ParseStatement(sql string) (*Statement, error) {
	tokens, err := tokenize(sql)
	if err != nil {
		return nil, fmt.Errorf("parse statement [%s] failed: %v", sql, err)
	}
	p := &parser{tokens: tokens}
	stmt, err := p.statement()
	if err == nil {
		err = p.end()
	}
	if err != nil {
		return nil, fmt.Errorf("parse statement [%s] failed: %v", sql, err)
	}
	return stmt, nil
}

func (p *parser) statement() (*Statement, error) {
	switch {
	case p.acceptKeyword("MIGRATE"):
		return p.migrate()
	case p.acceptKeyword("CHECK"):
		return p.check()
	case p.acceptKeyword("COMMIT"):
		return p.jobStatement(StmtCommitMigration)
	case p.acceptKeyword("ROLLBACK"):
		return p.jobStatement(StmtRollbackMigration)
	case p.acceptKeyword("START"):
		return p.jobOrCheckStatement(StmtStartMigration, StmtStartMigrationCheck)
	case p.acceptKeyword("STOP"):
		return p.jobOrCheckStatement(StmtStopMigration, StmtStopMigrationCheck)
	case p.acceptKeyword("DROP"):
		if err := p.expectKeywords("MIGRATION", "CHECK"); err != nil {
			return nil, err
		}
		id, err := p.jobID()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtDropMigrationCheck, JobID: id}, nil
	case p.acceptKeyword("SHOW"):
		return p.show()
	case p.acceptKeyword("REGISTER"):
		return p.register()
	case p.acceptKeyword("UNREGISTER"):
		return p.unregister()
	default:
		return nil, fmt.Errorf("unsupported statement beginning with %s", p.peek())
	}
}

func (p *parser) migrate() (*Statement, error) {
	if err := p.expectKeywords("TABLE"); err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtMigrateTable}
	for {
		source, err := p.tableRef()
		if err != nil {
			return nil, err
		}
		if source.DataSource == "" {
			return nil, fmt.Errorf("the source table [%s] requires a storage unit", source.Table)
		}
		stmt.Sources = append(stmt.Sources, source)
		if !p.acceptSymbol(",") {
			break
		}
	}
	if err := p.expectKeywords("INTO"); err != nil {
		return nil, err
	}
	target, err := p.tableRef()
	if err != nil {
		return nil, err
	}
	stmt.Target = target
	return stmt, nil
}

func (p *parser) check() (*Statement, error) {
	if err := p.expectKeywords("MIGRATION"); err != nil {
		return nil, err
	}
	id, err := p.jobID()
	if err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtCheckMigration, JobID: id}
	if !p.acceptKeyword("BY") {
		return stmt, nil
	}
	if err = p.expectKeywords("TYPE"); err != nil {
		return nil, err
	}
	if err = p.expectSymbol("("); err != nil {
		return nil, err
	}
	if err = p.expectKeywords("NAME"); err != nil {
		return nil, err
	}
	if err = p.expectSymbol("="); err != nil {
		return nil, err
	}
	if stmt.AlgorithmType, err = p.literal(); err != nil {
		return nil, err
	}
	if p.acceptSymbol(",") {
		if err = p.expectKeywords("PROPERTIES"); err != nil {
			return nil, err
		}
		stmt.AlgorithmProps = make(map[string]string)
		if err = p.properties(stmt.AlgorithmProps); err != nil {
			return nil, err
		}
	}
	return stmt, p.expectSymbol(")")
}

func (p *parser) jobStatement(kind string) (*Statement, error) {
	if err := p.expectKeywords("MIGRATION"); err != nil {
		return nil, err
	}
	id, err := p.jobID()
	if err != nil {
		return nil, err
	}
	return &Statement{Kind: kind, JobID: id}, nil
}

func (p *parser) jobOrCheckStatement(jobKind, checkKind string) (*Statement, error) {
	if err := p.expectKeywords("MIGRATION"); err != nil {
		return nil, err
	}
	kind := jobKind
	if p.acceptKeyword("CHECK") {
		kind = checkKind
	}
	id, err := p.jobID()
	if err != nil {
		return nil, err
	}
	return &Statement{Kind: kind, JobID: id}, nil
}

func (p *parser) show() (*Statement, error) {
	if err := p.expectKeywords("MIGRATION"); err != nil {
		return nil, err
	}
	switch {
	case p.acceptKeyword("LIST"):
		return &Statement{Kind: StmtShowMigrationList}, nil
	case p.acceptKeyword("STATUS"):
		id, err := p.jobID()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtShowMigrationStatus, JobID: id}, nil
	case p.acceptKeyword("CHECK"):
		if p.acceptKeyword("ALGORITHMS") {
			return &Statement{Kind: StmtShowCheckAlgorithms}, nil
		}
		if err := p.expectKeywords("STATUS"); err != nil {
			return nil, err
		}
		id, err := p.jobID()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtShowCheckStatus, JobID: id}, nil
	case p.acceptKeyword("SOURCE"):
		if err := p.expectKeywords("STORAGE", "UNITS"); err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtShowSourceUnits}, nil
	default:
		return nil, fmt.Errorf("unsupported SHOW MIGRATION statement at %s", p.peek())
	}
}

func (p *parser) register() (*Statement, error) {
	if err := p.expectKeywords("MIGRATION", "SOURCE", "STORAGE", "UNIT"); err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtRegisterSourceUnit}
	for {
		unit, err := p.storageUnit()
		if err != nil {
			return nil, err
		}
		stmt.StorageUnits = append(stmt.StorageUnits, unit)
		if !p.acceptSymbol(",") {
			return stmt, nil
		}
	}
}

// storageUnit parses <name> (URL='…', USER='…', PASSWORD='…' [, TYPE='…'] [, PROPERTIES(…)])
func (p *parser) storageUnit() (*datasource.Descriptor, error) {
	name, err := p.identifier()
	if err != nil {
		return nil, err
	}
	if err = p.expectSymbol("("); err != nil {
		return nil, err
	}
	desc := &datasource.Descriptor{Name: name}
	for {
		attr, err := p.identifier()
		if err != nil {
			return nil, err
		}
		attr = strings.ToUpper(attr)
		if attr == "PROPERTIES" {
			desc.Props = make(map[string]string)
			if err = p.properties(desc.Props); err != nil {
				return nil, err
			}
		} else {
			if err = p.expectSymbol("="); err != nil {
				return nil, err
			}
			v, err := p.literal()
			if err != nil {
				return nil, err
			}
			switch attr {
			case "URL":
				desc.URL = v
			case "USER":
				desc.Username = v
			case "PASSWORD":
				desc.Password = v
			case "TYPE":
				desc.DbType = strings.ToUpper(v)
			default:
				return nil, fmt.Errorf("unsupported storage unit [%s] attribute [%s]", name, attr)
			}
		}
		if p.acceptSymbol(")") {
			break
		}
		if err = p.expectSymbol(","); err != nil {
			return nil, err
		}
	}
	if desc.URL == "" {
		return nil, fmt.Errorf("the storage unit [%s] requires an URL", name)
	}
	return desc, nil
}

func (p *parser) unregister() (*Statement, error) {
	if err := p.expectKeywords("MIGRATION", "SOURCE", "STORAGE", "UNIT"); err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StmtUnregisterSourceUnit}
	for {
		name, err := p.identifier()
		if err != nil {
			return nil, err
		}
		stmt.Names = append(stmt.Names, name)
		if !p.acceptSymbol(",") {
			return stmt, nil
		}
	}
}
