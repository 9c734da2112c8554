package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ZJR-FZD/Libai-Chat/pkg/audio"
)

var wire = audio.Format{SampleRate: 16000, Channels: 1}

// synthWAV returns a canonical WAV whose payload is n bytes of a counting
// pattern, so misplaced slices are detectable.
func synthWAV(n int) []byte {
	pcm := make([]byte, n)
	for i := range pcm {
		pcm[i] = byte(i * 7)
	}
	return audio.EncodeWAV(pcm, wire)
}

func TestChunks_TenThousandBytes(t *testing.T) {
	t.Parallel()

	// 10,000 payload bytes: 4×2048 + 1×1808.
	wav := synthWAV(10000)
	seq, err := audio.Chunks(wav, 2048)
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}

	wantSizes := []int{2048, 2048, 2048, 2048, 1808}
	var got [][]byte
	for c := range seq {
		got = append(got, c)
	}
	if len(got) != len(wantSizes) {
		t.Fatalf("got %d chunks, want %d", len(got), len(wantSizes))
	}
	for i, c := range got {
		n := wantSizes[i]
		if len(c) != audio.HeaderSize+n {
			t.Errorf("chunk %d: len %d, want %d", i, len(c), audio.HeaderSize+n)
		}
		if riff := binary.LittleEndian.Uint32(c[4:8]); riff != uint32(n+36) {
			t.Errorf("chunk %d: RIFF size %d, want %d", i, riff, n+36)
		}
		if data := binary.LittleEndian.Uint32(c[40:44]); data != uint32(n) {
			t.Errorf("chunk %d: data size %d, want %d", i, data, n)
		}
		if !bytes.Equal(c[8:40], wav[8:40]) {
			t.Errorf("chunk %d: format fields differ from source header", i)
		}
	}
}

func TestChunks_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, 1, 2047, 2048, 2049, 9000, 32001} {
		wav := synthWAV(size)
		seq, err := audio.Chunks(wav, audio.DefaultChunkSize)
		if err != nil {
			t.Fatalf("size %d: Chunks: %v", size, err)
		}
		var joined []byte
		for c := range seq {
			p, err := audio.ChunkPayload(c)
			if err != nil {
				t.Fatalf("size %d: ChunkPayload: %v", size, err)
			}
			joined = append(joined, p...)
		}
		if !bytes.Equal(joined, wav[audio.HeaderSize:]) {
			t.Errorf("size %d: reassembled payload differs from source", size)
		}
	}
}

func TestChunks_EachChunkDecodesStandalone(t *testing.T) {
	t.Parallel()

	seq, err := audio.Chunks(synthWAV(5000), 2048)
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	for c := range seq {
		info, err := audio.ParseWAV(c)
		if err != nil {
			t.Fatalf("ParseWAV(chunk): %v", err)
		}
		if info.SampleRate != 16000 || info.Channels != 1 {
			t.Errorf("chunk format = %+v, want 16kHz mono", info.Format)
		}
		if info.DataOffset+info.DataSize != len(c) {
			t.Errorf("chunk data ends at %d, want %d", info.DataOffset+info.DataSize, len(c))
		}
	}
}

func TestChunks_StopsEarly(t *testing.T) {
	t.Parallel()

	seq, err := audio.Chunks(synthWAV(10000), 2048)
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("consumed %d chunks, want 2", n)
	}
}

func TestChunks_Errors(t *testing.T) {
	t.Parallel()

	if _, err := audio.Chunks(make([]byte, 43), 2048); !errors.Is(err, audio.ErrShortWAV) {
		t.Errorf("short input: err = %v, want ErrShortWAV", err)
	}
	if _, err := audio.Chunks(synthWAV(10), 0); err == nil {
		t.Error("zero chunk size: expected error")
	}

	seq, err := audio.Chunks(synthWAV(0), 2048)
	if err != nil {
		t.Fatalf("header-only: %v", err)
	}
	for range seq {
		t.Error("header-only buffer yielded a chunk")
	}
}

func TestChunkPayload_Truncated(t *testing.T) {
	t.Parallel()

	c := audio.FrameChunk(synthWAV(0), make([]byte, 100))
	if _, err := audio.ChunkPayload(c[:100]); err == nil {
		t.Error("expected error for truncated chunk")
	}
}
