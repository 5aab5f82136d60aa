// Package command provides the MQTT implementation of the device command
// channel, plus a mock used in tests.
package command

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	corecmd "github.com/minegrid/curtaild/core/command"
	"github.com/minegrid/curtaild/core/model"
	"github.com/minegrid/curtaild/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT channel.
type Config struct {
	Broker     string          `json:"broker"`
	ClientID   string          `json:"client_id"`
	Username   string          `json:"username"`
	Password   string          `json:"password"`
	AckTopic   string          `json:"ack_topic"`
	UseTLS     bool            `json:"use_tls"`
	ClientCert string          `json:"client_cert"`
	ClientKey  string          `json:"client_key"`
	CABundle   string          `json:"ca_bundle"`
	QoS        map[string]byte `json:"qos"`
	MaxRetries int             `json:"max_retries"`
	BackoffMS  int             `json:"backoff_ms"`
	TLSConfig  *tls.Config     `json:"-"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// MQTTChannel implements command.Channel over an MQTT broker. Commands go
// to the per-unit power topic; acknowledgments arrive on a shared topic
// carrying the command identifier.
type MQTTChannel struct {
	cli      pahoClient
	ackTopic string
	qos      map[string]byte

	mu         sync.Mutex
	ackChans   map[string]chan struct{}
	logger     logger.Logger
	maxRetries int
	backoff    time.Duration
}

// NewMQTTChannel connects to the broker and subscribes to the ack topic.
func NewMQTTChannel(cfg Config) (*MQTTChannel, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := time.Duration(cfg.BackoffMS) * time.Millisecond
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	log := logger.New("mqtt_channel")
	ch := &MQTTChannel{
		ackTopic:   cfg.AckTopic,
		ackChans:   make(map[string]chan struct{}),
		logger:     log,
		qos:        cfg.QoS,
		maxRetries: maxRetries,
		backoff:    backoff,
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		qos := byte(0)
		if q, ok := ch.qos["ack"]; ok {
			qos = q
		}
		if token := c.Subscribe(ch.ackTopic, qos, ch.onAck); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	ch.cli = c
	return ch, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (m *MQTTChannel) onAck(_ paho.Client, msg paho.Message) {
	var a struct {
		CommandID string `json:"command_id"`
	}
	if err := json.Unmarshal(msg.Payload(), &a); err != nil {
		m.logger.Errorf("failed to decode ack: %v", err)
		return
	}
	m.mu.Lock()
	if ch, ok := m.ackChans[a.CommandID]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
		m.logger.Infof("received ack %s", a.CommandID)
	}
	m.mu.Unlock()
}

// Send publishes a power command to the unit's topic and returns the
// command identifier used for acknowledgment tracking.
func (m *MQTTChannel) Send(unitID string, action model.Action) (string, error) {
	cmdID := uuid.NewString()
	cmd := struct {
		CommandID string `json:"command_id"`
		UnitID    string `json:"unit_id"`
		Action    string `json:"action"`
		Timestamp int64  `json:"timestamp"`
	}{
		CommandID: cmdID,
		UnitID:    unitID,
		Action:    string(action),
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", err
	}

	topic := fmt.Sprintf("unit/%s/power", unitID)
	qos := byte(0)
	if q, ok := m.qos["command"]; ok {
		qos = q
	}

	// The ack channel must exist before the publish goes out, or an ack
	// racing the publish token is dropped and the unit misreported.
	m.mu.Lock()
	m.ackChans[cmdID] = make(chan struct{}, 1)
	m.mu.Unlock()

	var publishErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		token := m.cli.Publish(topic, qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			m.logger.Infof("sent %s command %s to %s", action, cmdID, topic)
			break
		}
		m.logger.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		time.Sleep(m.backoff * time.Duration(1<<attempt))
	}
	if publishErr != nil {
		m.mu.Lock()
		delete(m.ackChans, cmdID)
		m.mu.Unlock()
		return "", publishErr
	}

	return cmdID, nil
}

// WaitForAck blocks until an ack for the command arrives or timeout expires.
func (m *MQTTChannel) WaitForAck(commandID string, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	ch := m.ackChans[commandID]
	m.mu.Unlock()
	if ch == nil {
		return false, fmt.Errorf("unknown command")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		m.mu.Lock()
		delete(m.ackChans, commandID)
		m.mu.Unlock()
		return true, nil
	case <-timer.C:
		m.mu.Lock()
		delete(m.ackChans, commandID)
		m.mu.Unlock()
		return false, fmt.Errorf("%w", corecmd.ErrAckTimeout)
	}
}

// Disconnect gracefully closes the MQTT connection.
func (m *MQTTChannel) Disconnect() {
	if m.cli != nil && m.cli.IsConnected() {
		m.cli.Disconnect(250)
	}
}
