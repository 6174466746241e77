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
package postgresql

import (
	"fmt"
	"strconv"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

// relation key column flag of a pgoutput relation message
const relationColumnKeyFlag = 1

// rowMessage is an insert, update or delete of an announced relation
type rowMessage struct {
	kind     pglogrepl.MessageType
	relation *pglogrepl.RelationMessage
	// keyOnly marks an old tuple that carries the replica identity key only
	keyOnly  bool
	oldTuple *pglogrepl.TupleData
	newTuple *pglogrepl.TupleData
}

// decoder keeps the relations announced by the stream
type decoder struct {
	relations map[uint32]*pglogrepl.RelationMessage
}

func newDecoder() *decoder {
	return &decoder{relations: make(map[uint32]*pglogrepl.RelationMessage)}
}

// decode returns a *pglogrepl.BeginMessage, *pglogrepl.CommitMessage, *rowMessage
// or nil for the messages the pipeline does not consume
func (d *decoder) decode(data []byte) (any, error) {
	msg, err := pglogrepl.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse pgoutput message failed: %v", err)
	}
	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		d.relations[m.RelationID] = m
		return nil, nil
	case *pglogrepl.BeginMessage:
		return m, nil
	case *pglogrepl.CommitMessage:
		return m, nil
	case *pglogrepl.InsertMessage:
		return d.row(pglogrepl.MessageTypeInsert, m.RelationID, false, nil, m.Tuple)
	case *pglogrepl.UpdateMessage:
		return d.row(pglogrepl.MessageTypeUpdate, m.RelationID,
			m.OldTupleType == pglogrepl.UpdateMessageTupleTypeKey, m.OldTuple, m.NewTuple)
	case *pglogrepl.DeleteMessage:
		return d.row(pglogrepl.MessageTypeDelete, m.RelationID,
			m.OldTupleType == pglogrepl.DeleteMessageTupleTypeKey, m.OldTuple, nil)
	default:
		return nil, nil
	}
}

func (d *decoder) row(kind pglogrepl.MessageType, relationID uint32, keyOnly bool, oldTuple, newTuple *pglogrepl.TupleData) (*rowMessage, error) {
	rel, ok := d.relations[relationID]
	if !ok {
		return nil, fmt.Errorf("pgoutput relation [%d] is not announced", relationID)
	}
	if kind != pglogrepl.MessageTypeDelete && newTuple == nil {
		return nil, fmt.Errorf("pgoutput row message of relation [%s] has no new tuple", rel.RelationName)
	}
	if kind == pglogrepl.MessageTypeDelete && oldTuple == nil {
		return nil, fmt.Errorf("pgoutput delete message of relation [%s] has no old tuple", rel.RelationName)
	}
	return &rowMessage{kind: kind, relation: rel, keyOnly: keyOnly, oldTuple: oldTuple, newTuple: newTuple}, nil
}

// textValue converts the text form of the common scalar types, other types keep their text
func textValue(dataType uint32, value []byte) (any, error) {
	s := string(value)
	switch dataType {
	case pgtype.BoolOID:
		return s == "t", nil
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse integer [%s] failed: %v", s, err)
		}
		return v, nil
	default:
		return s, nil
	}
}
