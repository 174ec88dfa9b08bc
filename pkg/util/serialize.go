// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"bytes"
	"encoding/binary"
	"io"
)

type Serialize interface {
	WriteData(buffer []byte, len int) error
	Close() error
}

type Deserialize interface {
	ReadData(buffer []byte, len int) error
	Close() error
}

type Fixed interface {
	~bool | ~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 |
		~uint64 | ~int64 | ~float32 | ~float64
}

func Write[T Fixed](value T, serial Serialize) error {
	buf, err := binary.Append(nil, binary.LittleEndian, value)
	if err != nil {
		return err
	}
	return serial.WriteData(buf, len(buf))
}

func Read[T Fixed](value *T, deserial Deserialize) error {
	var scratch [8]byte
	cnt := binary.Size(*value)
	buf := scratch[:cnt]
	if err := deserial.ReadData(buf, cnt); err != nil {
		return err
	}
	_, err := binary.Decode(buf, binary.LittleEndian, value)
	return err
}

func WriteBytes(data []byte, serial Serialize) error {
	err := Write[uint32](uint32(len(data)), serial)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		return serial.WriteData(data, len(data))
	}
	return nil
}

func ReadBytes(deserial Deserialize) ([]byte, error) {
	var l uint32
	err := Read[uint32](&l, deserial)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, l)
	if l > 0 {
		err = deserial.ReadData(buf, int(l))
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func WriteString(s string, serial Serialize) error {
	return WriteBytes([]byte(s), serial)
}

func ReadString(deserial Deserialize) (string, error) {
	buf, err := ReadBytes(deserial)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

var _ Serialize = new(BufferSerialize)

// BufferSerialize collects the serialized bytes in memory.
type BufferSerialize struct {
	buf bytes.Buffer
}

func NewBufferSerialize() *BufferSerialize {
	return &BufferSerialize{}
}

func (serial *BufferSerialize) WriteData(buffer []byte, len int) error {
	_, err := serial.buf.Write(buffer[:len])
	return err
}

func (serial *BufferSerialize) Bytes() []byte {
	return serial.buf.Bytes()
}

func (serial *BufferSerialize) Close() error {
	return nil
}

var _ Deserialize = new(BufferDeserialize)

type BufferDeserialize struct {
	reader *bytes.Reader
}

func NewBufferDeserialize(data []byte) *BufferDeserialize {
	return &BufferDeserialize{reader: bytes.NewReader(data)}
}

func (deserial *BufferDeserialize) ReadData(buffer []byte, len int) error {
	_, err := io.ReadFull(deserial.reader, buffer[:len])
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (deserial *BufferDeserialize) Remaining() int {
	return deserial.reader.Len()
}

func (deserial *BufferDeserialize) Close() error {
	return nil
}
