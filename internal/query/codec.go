package query

import (
	"bufio"
	"bytes"

	"github.com/kickboxer/racdb/internal/wire"
)

// taskDispatchPayload is one Task{shard, fragment, deps} (spec §4.5),
// flattened to the single fragment kind this coordinator executes: a
// filtered scan of one table on one shard, optionally with a sort+limit
// pushed down so a shard ships at most Limit rows back (spec §8 scenario
// 6's scatter-gather bound) instead of its full local result.
type taskDispatchPayload struct {
	TaskID    uint64
	Table     string
	Shard     uint32
	HasFilter bool
	FilterCol string
	FilterVal string
	SortKey   string
	Desc      bool
	HasLimit  bool
	Limit     uint32
}

func encodeTaskDispatch(p taskDispatchPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.TaskID)
	_ = wire.WriteFieldString(w, p.Table)
	_ = wire.WriteUint32(w, p.Shard)
	hf := byte(0)
	if p.HasFilter {
		hf = 1
	}
	_ = wire.WriteByte(w, hf)
	_ = wire.WriteFieldString(w, p.FilterCol)
	_ = wire.WriteFieldString(w, p.FilterVal)
	_ = wire.WriteFieldString(w, p.SortKey)
	desc := byte(0)
	if p.Desc {
		desc = 1
	}
	_ = wire.WriteByte(w, desc)
	hl := byte(0)
	if p.HasLimit {
		hl = 1
	}
	_ = wire.WriteByte(w, hl)
	_ = wire.WriteUint32(w, p.Limit)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeTaskDispatch(payload []byte) (taskDispatchPayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p taskDispatchPayload
	var err error
	if p.TaskID, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	if p.Table, err = wire.ReadFieldString(r); err != nil {
		return p, err
	}
	if p.Shard, err = wire.ReadUint32(r); err != nil {
		return p, err
	}
	hf, err := wire.ReadByte(r)
	if err != nil {
		return p, err
	}
	p.HasFilter = hf != 0
	if p.FilterCol, err = wire.ReadFieldString(r); err != nil {
		return p, err
	}
	if p.FilterVal, err = wire.ReadFieldString(r); err != nil {
		return p, err
	}
	if p.SortKey, err = wire.ReadFieldString(r); err != nil {
		return p, err
	}
	desc, err := wire.ReadByte(r)
	if err != nil {
		return p, err
	}
	p.Desc = desc != 0
	hl, err := wire.ReadByte(r)
	if err != nil {
		return p, err
	}
	p.HasLimit = hl != 0
	if p.Limit, err = wire.ReadUint32(r); err != nil {
		return p, err
	}
	return p, nil
}

type taskResultPayload struct {
	TaskID uint64
	OK     bool
	ErrMsg string
	Result *RowSet
}

func encodeTaskResult(p taskResultPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.TaskID)
	ok := byte(0)
	if p.OK {
		ok = 1
	}
	_ = wire.WriteByte(w, ok)
	_ = wire.WriteFieldString(w, p.ErrMsg)
	if p.Result == nil {
		_ = wire.WriteUint32(w, 0)
	} else {
		_ = wire.WriteUint32(w, uint32(len(p.Result.Columns)))
		for _, c := range p.Result.Columns {
			_ = wire.WriteFieldString(w, c)
		}
		_ = wire.WriteUint32(w, uint32(len(p.Result.Rows)))
		for _, row := range p.Result.Rows {
			_ = wire.WriteUint32(w, uint32(len(row)))
			for _, v := range row {
				_ = wire.WriteFieldString(w, v)
			}
		}
	}
	_ = w.Flush()
	return buf.Bytes()
}

func decodeTaskResult(payload []byte) (taskResultPayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p taskResultPayload
	var err error
	if p.TaskID, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	ok, err := wire.ReadByte(r)
	if err != nil {
		return p, err
	}
	p.OK = ok != 0
	if p.ErrMsg, err = wire.ReadFieldString(r); err != nil {
		return p, err
	}
	ncols, err := wire.ReadUint32(r)
	if err != nil {
		return p, err
	}
	rs := &RowSet{}
	for i := uint32(0); i < ncols; i++ {
		c, err := wire.ReadFieldString(r)
		if err != nil {
			return p, err
		}
		rs.Columns = append(rs.Columns, c)
	}
	nrows, err := wire.ReadUint32(r)
	if err != nil {
		return p, err
	}
	for i := uint32(0); i < nrows; i++ {
		ncells, err := wire.ReadUint32(r)
		if err != nil {
			return p, err
		}
		row := make([]string, 0, ncells)
		for j := uint32(0); j < ncells; j++ {
			v, err := wire.ReadFieldString(r)
			if err != nil {
				return p, err
			}
			row = append(row, v)
		}
		rs.Rows = append(rs.Rows, row)
	}
	p.Result = rs
	return p, nil
}

type taskCancelPayload struct {
	TaskID uint64
}

func encodeTaskCancel(p taskCancelPayload) []byte {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	_ = wire.WriteUint64(w, p.TaskID)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeTaskCancel(payload []byte) (taskCancelPayload, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var p taskCancelPayload
	var err error
	if p.TaskID, err = wire.ReadUint64(r); err != nil {
		return p, err
	}
	return p, nil
}
