// Package nettrace записывает сетевые кадры в сжатый файл трассировки
// для офлайн-отладки повреждений потока.
//
// Формат записи: 1B направление, 8B unix-время мс (LE), 4B длина (LE),
// полезная нагрузка. Весь поток сжат zstd.
package nettrace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Direction направление кадра относительно клиента
type Direction byte

const (
	DirOut       Direction = 0 // Клиент -> сервер
	DirIn        Direction = 1 // Сервер -> клиент (ответ)
	DirBroadcast Direction = 2 // Сервер -> клиент (рассылка)
)

// Record одна запись трассировки
type Record struct {
	Direction Direction
	Timestamp int64 // unix мс
	Payload   []byte
}

// Recorder пишет кадры в zstd-сжатый файл трассировки
type Recorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *zstd.Encoder
}

// NewRecorder создаёт файл трассировки по указанному пути
func NewRecorder(path string) (*Recorder, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}

	enc, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Recorder{file: file, enc: enc}, nil
}

// Append добавляет кадр в трассировку
func (r *Recorder) Append(dir Direction, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enc == nil {
		return fmt.Errorf("recorder closed")
	}

	header := make([]byte, 13)
	header[0] = byte(dir)
	binary.LittleEndian.PutUint64(header[1:9], uint64(time.Now().UnixMilli()))
	binary.LittleEndian.PutUint32(header[9:13], uint32(len(payload)))

	if _, err := r.enc.Write(header); err != nil {
		return err
	}
	_, err := r.enc.Write(payload)
	return err
}

// Close завершает поток сжатия и закрывает файл
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enc == nil {
		return nil
	}
	if err := r.enc.Close(); err != nil {
		r.file.Close()
		r.enc = nil
		return err
	}
	r.enc = nil
	return r.file.Close()
}

// ReadAll читает все записи из файла трассировки
func ReadAll(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dec, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var records []Record
	header := make([]byte, 13)
	for {
		if _, err := io.ReadFull(dec, header); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return nil, err
		}

		payload := make([]byte, binary.LittleEndian.Uint32(header[9:13]))
		if _, err := io.ReadFull(dec, payload); err != nil {
			return nil, err
		}

		records = append(records, Record{
			Direction: Direction(header[0]),
			Timestamp: int64(binary.LittleEndian.Uint64(header[1:9])),
			Payload:   payload,
		})
	}
}
