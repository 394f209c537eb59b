package sqldb

import (
	"encoding/json"
	"fmt"
	"time"

	"versionstore/pkg/core"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"

	"gorm.io/datatypes"
)

// ObjModel 一个对象一行，(repo, id) 是主键
// ID 以 hex 保存，方便在 psql/sqlite3 里直接查看
type ObjModel struct {
	Repo string `gorm:"primaryKey;type:varchar(255)"`
	ID   string `gorm:"primaryKey;type:varchar(520)"`

	Type string `gorm:"index;type:varchar(32);not null"`
	Data []byte `gorm:"not null"`

	CreatedAt time.Time
}

func (ObjModel) TableName() string {
	return "objs"
}

// RefModel 是 core.Reference 的行形式
// CAS 依赖 (pointer, deleted, generation) 三列做条件更新
type RefModel struct {
	Repo string `gorm:"primaryKey;type:varchar(255)"`
	Name string `gorm:"primaryKey;type:varchar(255)"`

	Pointer         string `gorm:"type:varchar(520);not null"`
	Deleted         bool   `gorm:"not null"`
	CreatedAtMicros int64  `gorm:"not null"`
	ExtendedInfo    string `gorm:"type:varchar(520)"`
	Generation      int64  `gorm:"not null"`

	// PreviousPointers: [{"pointer": "hex", "timestamp_micros": 123}, ...]
	PreviousPointers datatypes.JSON `gorm:"not null"`

	UpdatedAt time.Time
}

func (RefModel) TableName() string {
	return "refs"
}

func objToModel(repo string, rec storage.ObjRecord) ObjModel {
	return ObjModel{
		Repo: repo,
		ID:   rec.ID.String(),
		Type: string(rec.Type),
		Data: rec.Data,
	}
}

func (m ObjModel) record() (storage.ObjRecord, error) {
	id, err := types.ObjIDFromHex(m.ID)
	if err != nil {
		return storage.ObjRecord{}, fmt.Errorf("corrupt object id %q: %w", m.ID, err)
	}
	return storage.ObjRecord{ID: id, Type: core.ObjType(m.Type), Data: m.Data}, nil
}

func refToModel(repo string, ref core.Reference) (RefModel, error) {
	// 空历史写成 "[]" 而不是 NULL
	history := datatypes.JSON("[]")
	if len(ref.PreviousPointers) > 0 {
		raw, err := json.Marshal(ref.PreviousPointers)
		if err != nil {
			return RefModel{}, fmt.Errorf("failed to marshal previous pointers: %w", err)
		}
		history = datatypes.JSON(raw)
	}
	return RefModel{
		Repo:             repo,
		Name:             ref.Name,
		Pointer:          ref.Pointer.String(),
		Deleted:          ref.Deleted,
		CreatedAtMicros:  ref.CreatedAtMicros,
		ExtendedInfo:     ref.ExtendedInfo.String(),
		Generation:       ref.Generation,
		PreviousPointers: history,
	}, nil
}

func (m RefModel) reference() (core.Reference, error) {
	pointer, err := types.ObjIDFromHex(m.Pointer)
	if err != nil {
		return core.Reference{}, fmt.Errorf("corrupt pointer of reference %q: %w", m.Name, err)
	}
	extended, err := types.ObjIDFromHex(m.ExtendedInfo)
	if err != nil {
		return core.Reference{}, fmt.Errorf("corrupt extended info of reference %q: %w", m.Name, err)
	}
	ref := core.Reference{
		Name:            m.Name,
		Pointer:         pointer,
		Deleted:         m.Deleted,
		CreatedAtMicros: m.CreatedAtMicros,
		ExtendedInfo:    extended,
		Generation:      m.Generation,
	}
	if len(m.PreviousPointers) > 0 {
		if err := json.Unmarshal(m.PreviousPointers, &ref.PreviousPointers); err != nil {
			return core.Reference{}, fmt.Errorf("corrupt history of reference %q: %w", m.Name, err)
		}
		if len(ref.PreviousPointers) == 0 {
			ref.PreviousPointers = nil
		}
	}
	return ref, nil
}
