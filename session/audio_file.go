package session

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// ReadMono читает WAV или MP3 файл и возвращает моно семплы с частотой targetRate.
// targetRate <= 0 оставляет исходную частоту.
func ReadMono(path string, targetRate int) ([]float32, int, error) {
	var (
		mono []float32
		rate int
		err  error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		mono, rate, err = readMP3Mono(path)
	case ".wav", ".wave":
		mono, rate, err = readWAVMono(path)
	default:
		return nil, 0, fmt.Errorf("unsupported audio file: %s", filepath.Base(path))
	}
	if err != nil {
		return nil, 0, err
	}

	if targetRate > 0 && rate != targetRate {
		mono = Resample(mono, rate, targetRate)
		rate = targetRate
	}
	return mono, rate, nil
}

// readMP3Mono декодирует MP3 потоком; go-mp3 всегда отдаёт 16-bit stereo little-endian
func readMP3Mono(path string) ([]float32, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open MP3 file: %w", err)
	}
	defer file.Close()

	decoder, err := mp3.NewDecoder(file)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create MP3 decoder: %w", err)
	}

	var mono []float32
	if n := decoder.Length(); n > 0 {
		mono = make([]float32, 0, n/4)
	}
	buf := make([]byte, 16*1024)
	for {
		n, err := io.ReadFull(decoder, buf)
		for i := 0; i+4 <= n; i += 4 {
			left := int16(binary.LittleEndian.Uint16(buf[i:]))
			right := int16(binary.LittleEndian.Uint16(buf[i+2:]))
			mono = append(mono, (float32(left)+float32(right))/65536)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decode MP3: %w", err)
		}
	}
	return mono, decoder.SampleRate(), nil
}

func readWAVMono(path string) ([]float32, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open WAV file: %w", err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid WAV file: %s", filepath.Base(path))
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode WAV: %w", err)
	}

	channels := int(decoder.NumChans)
	if channels <= 0 {
		channels = 1
	}
	scale := float32(int64(1) << (decoder.BitDepth - 1))

	frames := len(buf.Data) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += float32(buf.Data[i*channels+ch]) / scale
		}
		mono[i] = sum / float32(channels)
	}
	return mono, int(decoder.SampleRate), nil
}
