// Package protocol определяет бинарный сетевой формат ядра синхронизации:
// кадрирование с префиксом длины и ручные little-endian кодеки сообщений.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxPacketSize максимальный размер полезной нагрузки одного кадра.
// Длина за пределами (0, MaxPacketSize] трактуется как повреждение потока.
const MaxPacketSize = 50_000_000

// WriteFrame записывает кадр: 4 байта длины (little-endian) + полезная нагрузка.
// Если w поддерживает Flush (bufio.Writer), кадр сбрасывается немедленно.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return ConnClosed("write frame header", err)
	}
	if _, err := w.Write(payload); err != nil {
		return ConnClosed("write frame payload", err)
	}

	if f, ok := w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return ConnClosed("flush frame", err)
		}
	}
	return nil
}

// ReadFrame читает один кадр, блокируясь до полного получения.
// Длина вне границ — повреждение протокола, фатальное для соединения;
// короткое чтение — обрыв соединения. Решение о восстановлении
// принимает транспортный уровень.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, ConnClosed("read frame header", err)
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length == 0 || length > MaxPacketSize {
		return nil, Corruption("read frame", fmt.Errorf("invalid frame length %d", length))
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ConnClosed("read frame payload", err)
	}
	return payload, nil
}
