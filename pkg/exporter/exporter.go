package exporter

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"versionstore/pkg/core"
	"versionstore/pkg/persist"
	"versionstore/pkg/types"
)

// fetchBatch 每次批量读取的分段数
const fetchBatch = 16

type Exporter struct {
	p *persist.Persist
}

func NewExporter(p *persist.Persist) *Exporter {
	return &Exporter{p: p}
}

// Copy 把 head 指向的值 (单段或多段) 解压后按顺序写入 writer，返回写入的字节数
func (e *Exporter) Copy(ctx context.Context, head types.ObjID, writer io.Writer) (int64, error) {
	obj, err := persist.FetchTyped[*core.StringObj](ctx, e.p, head)
	if err != nil {
		return 0, fmt.Errorf("failed to get value head: %w", err)
	}

	var written int64
	// 分段按批读取，不会一次把全部分段放进内存
	for start := 0; start < len(obj.Predecessors); start += fetchBatch {
		ids := obj.Predecessors[start:min(start+fetchBatch, len(obj.Predecessors))]
		parts, err := e.p.FetchObjs(ctx, ids)
		if err != nil {
			return written, fmt.Errorf("failed to get value parts: %w", err)
		}
		for i, p := range parts {
			part, ok := p.(*core.StringObj)
			if !ok {
				return written, fmt.Errorf("part %d of %s is a %s", start+i, head, p.Type())
			}
			n, err := writeText(writer, part)
			written += n
			if err != nil {
				return written, fmt.Errorf("failed to write part %d: %w", start+i, err)
			}
		}
	}

	n, err := writeText(writer, obj)
	return written + n, err
}

// ReadAll 读取完整的值
func (e *Exporter) ReadAll(ctx context.Context, head types.ObjID) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := e.Copy(ctx, head, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeText(w io.Writer, s *core.StringObj) (int64, error) {
	if len(s.Text) == 0 {
		return 0, nil
	}
	data, err := s.Compression.Decompress(s.Text)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}
