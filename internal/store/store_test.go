package store

import "testing"

func TestMemEngineWriteReadRoundTrip(t *testing.T) {
	e := NewMemEngine()
	blk := BlockID{FileID: 1, BlockNo: 42}
	if err := e.WriteBlock(blk, []byte{0xAA}, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := e.ReadBlock(blk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) != 1 || data[0] != 0xAA {
		t.Errorf("expected [0xAA], got %v", data)
	}
}

func TestMemEngineRejectsSCNRegression(t *testing.T) {
	e := NewMemEngine()
	blk := BlockID{FileID: 1, BlockNo: 1}
	if err := e.WriteBlock(blk, []byte{1}, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.WriteBlock(blk, []byte{2}, 50); err == nil {
		t.Errorf("expected error writing an older SCN over a newer one")
	}
}

func TestRedoStreamForOrdersBySCN(t *testing.T) {
	e := NewMemEngine()
	blk := BlockID{FileID: 1, BlockNo: 42}
	_ = e.AppendRedo(7, RedoRecord{SCN: 90, Block: blk, Payload: []byte{0x01}})
	_ = e.AppendRedo(7, RedoRecord{SCN: 100, Block: blk, Payload: []byte{0x02}})

	recs, err := e.RedoStreamFor(7, 80)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].SCN != 90 || recs[1].SCN != 100 {
		t.Errorf("expected SCN order [90,100], got [%d,%d]", recs[0].SCN, recs[1].SCN)
	}

	recs, err = e.RedoStreamFor(7, 95)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 || recs[0].SCN != 100 {
		t.Errorf("expected only SCN 100 after floor 95, got %v", recs)
	}
}

func TestApplyRedoReplacesImage(t *testing.T) {
	e := NewMemEngine()
	blk := BlockID{FileID: 1, BlockNo: 1}
	out, err := e.ApplyRedo(nil, RedoRecord{SCN: 1, Block: blk, Payload: []byte{9, 9}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0] != 9 {
		t.Errorf("expected redo payload applied, got %v", out)
	}
}
