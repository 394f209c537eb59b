package exporter

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"versionstore/pkg/core"
	"versionstore/pkg/index"
	"versionstore/pkg/types"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Format 输出格式
type Format string

const (
	FormatText Format = "text"
	FormatYAML Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text or yaml)", s)
}

// Field 是对象的一个展示字段，Value 为 string 或 []string
type Field struct {
	Name  string
	Value any
}

// Render 按格式打印对象
func Render(w io.Writer, obj core.Obj, format Format) error {
	fields, err := Describe(obj)
	if err != nil {
		return err
	}
	if format == FormatYAML {
		return renderYAML(w, fields)
	}
	return renderText(w, fields)
}

// Describe 把对象转成有序的展示字段
func Describe(obj core.Obj) ([]Field, error) {
	f := []Field{
		{"Id", obj.ID().String()},
		{"Type", obj.Type().String()},
	}
	switch o := obj.(type) {
	case *core.CommitObj:
		incr, err := core.DeserializeCommitIndex(o.IncrementalIndex)
		if err != nil {
			return nil, err
		}
		f = append(f,
			Field{"Seq", fmt.Sprint(o.Seq)},
			Field{"Created", formatMicros(o.Created)},
			Field{"CommitType", o.CommitType.String()},
			Field{"Message", o.Message},
			Field{"Headers", headers(o.Headers)},
			Field{"Tail", hexIDs(o.Tail)},
			Field{"SecondaryParents", hexIDs(o.SecondaryParents)},
			Field{"IncrementalIndex", fmt.Sprintf("%d entries, %s", incr.ElementCount(), humanize.Bytes(uint64(len(o.IncrementalIndex))))},
			Field{"IncompleteIndex", fmt.Sprint(o.IncompleteIndex)},
			Field{"ReferenceIndex", o.ReferenceIndex.String()},
			Field{"ReferenceIndexStripes", stripes(o.ReferenceIndexStripes)},
		)
	case *core.ContentValueObj:
		f = append(f,
			Field{"ContentId", o.ContentID},
			Field{"Payload", fmt.Sprint(o.Payload)},
			Field{"Size", humanize.Bytes(uint64(len(o.Data)))},
		)
	case *core.StringObj:
		f = append(f,
			Field{"ContentType", o.ContentType},
			Field{"Compression", o.Compression.String()},
			Field{"Filename", o.Filename},
			Field{"Parts", hexIDs(o.Predecessors)},
			Field{"Size", humanize.Bytes(uint64(len(o.Text)))},
		)
	case *core.IndexObj:
		idx, err := core.DeserializeCommitIndex(o.Index)
		if err != nil {
			return nil, err
		}
		var entries []string
		for e := range idx.All() {
			entries = append(entries, fmt.Sprintf("%s %s", e.Key, e.Value))
		}
		f = append(f,
			Field{"Size", humanize.Bytes(uint64(len(o.Index)))},
			Field{"Entries", entries},
		)
	case *core.IndexSegmentsObj:
		f = append(f, Field{"Stripes", stripes(o.Stripes)})
	case *core.RefObj:
		f = append(f,
			Field{"Name", o.Name},
			Field{"InitialPointer", o.InitialPointer.String()},
			Field{"Created", formatMicros(o.CreatedAtMicros)},
			Field{"ExtendedInfo", o.ExtendedInfo.String()},
		)
	case *core.TagObj:
		f = append(f,
			Field{"Commit", o.CommitID.String()},
			Field{"Message", o.Message},
			Field{"Headers", headers(o.Headers)},
			Field{"Signature", humanize.Bytes(uint64(len(o.Signature)))},
		)
	default:
		return nil, fmt.Errorf("unknown object type: %s", obj.Type())
	}
	return f, nil
}

func renderText(w io.Writer, fields []Field) error {
	// 使用 tabwriter 对齐输出
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, field := range fields {
		switch v := field.Value.(type) {
		case []string:
			for _, s := range v {
				fmt.Fprintf(tw, "%s:\t%s\n", field.Name, s)
			}
		default:
			if s := fmt.Sprint(v); s != "" {
				fmt.Fprintf(tw, "%s:\t%s\n", field.Name, s)
			}
		}
	}
	return tw.Flush()
}

// renderYAML 用 yaml.Node 保持字段顺序
func renderYAML(w io.Writer, fields []Field) error {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, field := range fields {
		var value yaml.Node
		if err := value.Encode(field.Value); err != nil {
			return err
		}
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: lowerFirst(field.Name)},
			&value,
		)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func formatMicros(us int64) string {
	t := time.UnixMicro(us)
	return fmt.Sprintf("%s (%s)", t.UTC().Format(time.RFC3339), humanize.Time(t))
}

func hexIDs(ids []types.ObjID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		if id.IsEmpty() {
			out[i] = "<empty>"
			continue
		}
		out[i] = id.String()
	}
	return out
}

func headers(h core.CommitHeaders) []string {
	var out []string
	for _, e := range h {
		for _, v := range e.Values {
			out = append(out, e.Name+": "+v)
		}
	}
	return out
}

func stripes(s []core.IndexStripe) []string {
	out := make([]string, len(s))
	for i, st := range s {
		out[i] = fmt.Sprintf("%s .. %s -> %s", keyOrDash(st.FirstKey), keyOrDash(st.LastKey), st.SegmentID)
	}
	return out
}

func keyOrDash(k index.StoreKey) string {
	if k.IsEmpty() {
		return "-"
	}
	return k.String()
}
