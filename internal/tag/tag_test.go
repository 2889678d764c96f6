package tag

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	in := Tag{
		Used:    true,
		Sealed:  true,
		Type:    TypeData,
		BlockTS: 2,
		PageID:  3,
		Parent:  100,
		Serial:  10,
		DataLen: 506,
		DataSum: 0xBEEF,
	}
	enc := in.Encode(true)
	out := Decode(enc[:])

	if !ChecksumOK(enc[:]) {
		t.Error("checksum does not verify")
	}
	in.Checksum = out.Checksum // computed during encode
	if diff := cmp.Diff(in, out, cmpopts.IgnoreFields(Tag{}, "BlockStatus")); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if !out.IsCommitted() {
		t.Error("sealed tag not reported committed")
	}
}

func TestErasedPattern(t *testing.T) {
	t.Parallel()

	spare := make([]byte, 16)
	for i := range spare {
		spare[i] = 0xFF
	}
	enc := TakeFromSpare(spare, 4)
	got := Decode(enc[:])
	if !got.IsErased() {
		t.Fatalf("all-0xFF spare not recognised as erased: %+v", got)
	}
	if got.Used || got.Sealed {
		t.Error("erased page reports used or sealed")
	}
}

func TestHalfWritten(t *testing.T) {
	t.Parallel()

	// The state between commit step 2 and 3: spare written once with
	// valid=1.
	in := Tag{Used: true, Sealed: false, Type: TypeFile, PageID: 1, Serial: 7}
	enc := in.Encode(true)
	out := Decode(enc[:])
	if !out.Used || out.Sealed {
		t.Fatalf("half-written page decoded as %+v", out)
	}
	if out.IsErased() || out.IsCommitted() {
		t.Error("half-written page claims erased or committed")
	}
	if out.Checksum != 0xFF {
		t.Error("unsealed tag carries a checksum")
	}
}

func TestSpareLayoutSkipsStatusByte(t *testing.T) {
	t.Parallel()

	const statusOfs = 4
	in := Tag{Used: true, Sealed: true, Type: TypeDir, Serial: 42, DataLen: 56}
	enc := in.Encode(false)

	spare := make([]byte, 16)
	for i := range spare {
		spare[i] = 0xFF
	}
	spare[statusOfs] = 0xA5 // pretend the vendor wrote something here
	LayIntoSpare(spare, enc, statusOfs)

	if spare[statusOfs] != 0xA5 {
		t.Error("status byte was overwritten")
	}
	back := TakeFromSpare(spare, statusOfs)
	if back != enc {
		t.Errorf("spare round trip: got %x, want %x", back, enc)
	}
}

func TestTimeStampOrder(t *testing.T) {
	t.Parallel()

	if got := FirstTimeStamp(); got != 0 {
		t.Errorf("FirstTimeStamp = %d", got)
	}
	// 0 -> 1 -> 2 -> 0; the successor always wins.
	for ts := uint8(0); ts < 3; ts++ {
		next := NextTimeStamp(ts)
		if !IsSrcNewer(next, ts) {
			t.Errorf("ts %d: successor %d not newer", ts, next)
		}
		if IsSrcNewer(ts, next) {
			t.Errorf("ts %d claims newer than its successor %d", ts, next)
		}
	}
}

func TestSum16(t *testing.T) {
	t.Parallel()

	if got := Sum16(nil); got != 0 {
		t.Errorf("Sum16(nil) = %#x", got)
	}
	a := Sum16([]byte("test.txt"))
	b := Sum16([]byte("test.txy"))
	if a == b {
		t.Error("names differing in one byte collide")
	}
	// Low byte additive, high byte xor.
	if got, want := Sum16([]byte{1, 2}), uint16(3<<8|3); got != want {
		t.Errorf("Sum16([1 2]) = %#x, want %#x", got, want)
	}
}

func TestFileInfoRoundTrip(t *testing.T) {
	t.Parallel()

	in := FileInfo{
		Attr:       AttrWrite | AttrDir,
		CreateTime: 1200000000,
		LastModify: 1200000500,
		Name:       "logs",
	}
	enc, err := EncodeFileInfo(&in)
	if err != nil {
		t.Fatal(err)
	}
	if len(enc) != FileInfoSize {
		t.Fatalf("encoded size %d, want %d", len(enc), FileInfoSize)
	}
	out, err := DecodeFileInfo(enc)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if !out.IsDir() {
		t.Error("dir attr lost")
	}

	if _, err := EncodeFileInfo(&FileInfo{Name: "this-name-is-way-too-long-for-the-format"}); err == nil {
		t.Error("over-long name accepted")
	}
}
