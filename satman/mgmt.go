// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satman

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"sync"

	"github.com/spf13/viper"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
)

var (
	// ErrConfigKeyNotFound is returned by Config.Read for absent keys.
	ErrConfigKeyNotFound = errors.New("satman: config key not found")

	// ErrImageCRC is returned by WriteImage when the trailing checksum
	// of a staged flash image does not match its contents.
	ErrImageCRC = errors.New("satman: flash image CRC mismatch")
)

// Config is the persistent key/value store of a satellite. Values are
// arbitrary byte strings, kept base64-encoded in a viper-managed file.
type Config struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// NewMemConfig returns a store that is not backed by a file. Writes are
// kept in memory only.
func NewMemConfig() *Config {
	return &Config{values: make(map[string]string)}
}

// OpenConfig loads the store at path, creating an empty one when the
// file does not exist yet.
func OpenConfig(path string) (*Config, error) {
	cfg := &Config{path: path, values: make(map[string]string)}
	v := viper.New()
	v.SetConfigFile(path)
	err := v.ReadInConfig()
	switch {
	case err == nil:
		for _, key := range v.AllKeys() {
			cfg.values[key] = v.GetString(key)
		}
	case os.IsNotExist(err):
		// first boot, empty store
	default:
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("satman: could not read config %q: %w", path, err)
		}
	}
	return cfg, nil
}

// Read returns the value stored under key.
func (c *Config) Read(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	enc, ok := c.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConfigKeyNotFound, key)
	}
	val, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("satman: corrupted config value %q: %w", key, err)
	}
	return val, nil
}

// ReadString returns the value stored under key as a string, or "" when
// the key is absent.
func (c *Config) ReadString(key string) string {
	val, err := c.Read(key)
	if err != nil {
		return ""
	}
	return string(val)
}

// Write stores value under key and persists the store.
func (c *Config) Write(key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = base64.StdEncoding.EncodeToString(value)
	return c.flush()
}

// Remove deletes key and persists the store. Removing an absent key is
// not an error.
func (c *Config) Remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return c.flush()
}

// EraseAll deletes every key and persists the empty store.
func (c *Config) EraseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]string)
	return c.flush()
}

// flush rebuilds the backing file from the shadow map. viper has no key
// removal, so the file is rewritten from scratch every time.
// Callers hold c.mu.
func (c *Config) flush() error {
	if c.path == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(c.path)
	for key, enc := range c.values {
		v.Set(key, enc)
	}
	if err := v.WriteConfigAs(c.path); err != nil {
		return fmt.Errorf("satman: could not write config %q: %w", c.path, err)
	}
	return nil
}

// LogBuffer is an io.Writer retaining the most recent log output for
// retrieval over the aux channel.
type LogBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

// NewLogBuffer returns a buffer retaining up to max bytes, the most
// recent kept when the limit is exceeded.
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 1 << 15
	}
	return &LogBuffer{max: max}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.max:]...)
	}
	return len(p), nil
}

// Bytes returns a copy of the buffered output.
func (b *LogBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

// Clear discards the buffered output.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
}

var _ io.Writer = (*LogBuffer)(nil)

// log level codes accepted by SetLogLevel, mirroring the management
// protocol.
const (
	LogLevelOff uint8 = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

// CoreManager services the management operations of a satellite: log
// retrieval, config access and firmware image staging.
type CoreManager struct {
	cfg    *Config
	logBuf *LogBuffer
	msg    *log.Logger
	reboot func() error

	logLevel     uint8
	uartLogLevel uint8

	lastLog       *drtioaux.Sliceable
	configPayload []byte
	lastValue     *drtioaux.Sliceable
	imagePayload  []byte
}

// NewCoreManager returns a manager over cfg and logBuf. reboot is
// invoked by Reboot and after a successful image write; it may be nil.
func NewCoreManager(cfg *Config, logBuf *LogBuffer, reboot func() error, msg *log.Logger) *CoreManager {
	return &CoreManager{
		cfg:      cfg,
		logBuf:   logBuf,
		msg:      msg,
		reboot:   reboot,
		logLevel: LogLevelInfo,
	}
}

// LogSlice returns the next chunk of the buffered log. When the
// previous extraction is exhausted a fresh snapshot is taken, clearing
// the buffer if consume is set.
func (m *CoreManager) LogSlice(max int, consume bool) ([]byte, drtioaux.PayloadStatus) {
	if m.lastLog == nil || m.lastLog.AtEnd() {
		m.lastLog = drtioaux.NewSliceable(0, m.logBuf.Bytes())
		if consume {
			m.logBuf.Clear()
		}
	}
	data, status := m.lastLog.Next(max)
	if status.IsLast() {
		m.lastLog = nil
	}
	return data, status
}

// ClearLog discards the buffered log.
func (m *CoreManager) ClearLog() {
	m.logBuf.Clear()
	m.lastLog = nil
}

// SetLogLevel sets the buffered log verbosity.
func (m *CoreManager) SetLogLevel(level uint8) error {
	if level > LogLevelTrace {
		return fmt.Errorf("satman: invalid log level %d", level)
	}
	m.logLevel = level
	return nil
}

// SetUartLogLevel sets the console log verbosity.
func (m *CoreManager) SetUartLogLevel(level uint8) error {
	if level > LogLevelTrace {
		return fmt.Errorf("satman: invalid log level %d", level)
	}
	m.uartLogLevel = level
	return nil
}

// FetchConfigValue loads the value stored under key for chunked
// retrieval with ConfigValueSlice.
func (m *CoreManager) FetchConfigValue(key []byte) error {
	if !isASCII(key) {
		return fmt.Errorf("satman: config key is not ASCII")
	}
	val, err := m.cfg.Read(string(key))
	if err != nil {
		return err
	}
	m.lastValue = drtioaux.NewSliceable(0, val)
	return nil
}

// ConfigValueSlice returns the next chunk of the fetched config value.
func (m *CoreManager) ConfigValueSlice(max int) ([]byte, drtioaux.PayloadStatus) {
	if m.lastValue == nil {
		return nil, drtioaux.PayloadFirst | drtioaux.PayloadLast
	}
	data, status := m.lastValue.Next(max)
	if status.IsLast() {
		m.lastValue = nil
	}
	return data, status
}

// AddConfigData appends a chunk of an incoming config write payload.
func (m *CoreManager) AddConfigData(data []byte) {
	m.configPayload = append(m.configPayload, data...)
}

// ClearConfigData discards the staged config write payload.
func (m *CoreManager) ClearConfigData() {
	m.configPayload = nil
}

// WriteConfig decodes the staged payload as a length-prefixed key
// followed by the value, and persists the pair. The payload is
// discarded either way.
func (m *CoreManager) WriteConfig() error {
	defer m.ClearConfigData()
	if len(m.configPayload) < 4 {
		return fmt.Errorf("satman: truncated config write payload")
	}
	keyLen := binary.BigEndian.Uint32(m.configPayload)
	if int(keyLen) > len(m.configPayload)-4 {
		return fmt.Errorf("satman: truncated config write payload")
	}
	key := m.configPayload[4 : 4+keyLen]
	value := m.configPayload[4+keyLen:]
	if !isASCII(key) {
		return fmt.Errorf("satman: config key is not ASCII")
	}
	return m.cfg.Write(string(key), value)
}

// RemoveConfig deletes the value stored under key.
func (m *CoreManager) RemoveConfig(key []byte) error {
	if !isASCII(key) {
		return fmt.Errorf("satman: config key is not ASCII")
	}
	return m.cfg.Remove(string(key))
}

// EraseConfig deletes every stored key.
func (m *CoreManager) EraseConfig() error {
	return m.cfg.EraseAll()
}

// AllocateImage prepares the staging buffer for a firmware image of n
// bytes.
func (m *CoreManager) AllocateImage(n uint32) {
	m.imagePayload = make([]byte, 0, n)
}

// AddImageData appends a chunk of the incoming firmware image.
func (m *CoreManager) AddImageData(data []byte) {
	m.imagePayload = append(m.imagePayload, data...)
}

// WriteImage verifies the staged image against its trailing CRC32 and
// stores it under the boot config key.
func (m *CoreManager) WriteImage() error {
	if len(m.imagePayload) < 4 {
		return fmt.Errorf("satman: flash image too short")
	}
	image := m.imagePayload[:len(m.imagePayload)-4]
	want := binary.BigEndian.Uint32(m.imagePayload[len(m.imagePayload)-4:])
	if got := crc32.ChecksumIEEE(image); got != want {
		return fmt.Errorf("%w: got %08x, want %08x", ErrImageCRC, got, want)
	}
	if err := m.cfg.Write("boot", image); err != nil {
		return err
	}
	m.imagePayload = nil
	return nil
}

// Reboot restarts the satellite firmware.
func (m *CoreManager) Reboot() error {
	if m.reboot == nil {
		return fmt.Errorf("satman: reboot is not available")
	}
	return m.reboot()
}

func isASCII(p []byte) bool {
	for _, b := range p {
		if b >= 0x80 {
			return false
		}
	}
	return true
}
