package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"elm327-scanner/bus"
	"elm327-scanner/common"
)

// Config представляет конфигурацию для MQTT моста
type Config struct {
	Broker         string        `mapstructure:"broker"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ClientID       string        `mapstructure:"client_id"` // Генерируется, если пустой
	DataTopic      string        `mapstructure:"data_topic"`
	CommandTopic   string        `mapstructure:"command_topic"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      int           `mapstructure:"keep_alive"` // Секунды
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AutoReconnect  bool          `mapstructure:"auto_reconnect"`
	RequestQueue   int           `mapstructure:"request_queue"`
}

func generateClientID() string {
	return "elm327-scanner-" + uuid.NewString()[:8]
}

func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       generateClientID(),
		DataTopic:      "car/diagnostics",
		CommandTopic:   "car/command",
		QoS:            1,
		KeepAlive:      60,
		ConnectTimeout: 10 * time.Second,
		AutoReconnect:  true,
		RequestQueue:   8,
	}
}

type CommandMessage = common.CommandMessage

type CommandResponse = common.CommandResponse

// Scanner выполняет запросы на сканирование
type Scanner interface {
	Scan(ctx context.Context, req common.ScanRequest) (*common.ScanResult, error)
}

type scanRequest struct {
	requestID string // Сегмент топика, куда уходит ответ
	msg       CommandMessage
}

// Client передает запросы на сканирование из MQTT в Scanner и публикует отчеты
// и состояние подключения
type Client struct {
	config     Config
	mqttClient mqttLib.Client
	scanner    Scanner
	bus        bus.MessageBus
	requests   chan scanRequest
	publish    func(topic string, retained bool, payload []byte) error

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *log.Logger
}

func NewClient(config Config, scanner Scanner, messageBus bus.MessageBus) *Client {
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.RequestQueue <= 0 {
		config.RequestQueue = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:   config,
		scanner:  scanner,
		bus:      messageBus,
		requests: make(chan scanRequest, config.RequestQueue),
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
		logger:   log.New(os.Stdout, "[MQTT-Client] ", log.LstdFlags|log.Lshortfile),
	}
	c.publish = c.mqttPublish
	return c
}

// Start подключается к брокеру и запускает циклы запросов и публикации
func (c *Client) Start() error {
	c.logger.Printf("Starting MQTT client, broker: %s", c.config.Broker)

	opts := mqttLib.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(time.Duration(c.config.KeepAlive) * time.Second)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(c.config.AutoReconnect)
	opts.SetWill(c.StateTopic(), `{"connected":false,"scanning":false,"progress":0,"step":"offline"}`, c.config.QoS, true)

	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.logger.Println("MQTT authentication: ENABLED")
	} else {
		c.logger.Println("MQTT authentication: DISABLED (anonymous mode)")
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.onConnectionLostHandler)
	opts.SetReconnectingHandler(c.onReconnectingHandler)

	c.mqttClient = mqttLib.NewClient(opts)
	if token := c.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.startLoops()
	c.logger.Println("MQTT client started successfully")
	return nil
}

func (c *Client) startLoops() {
	sub := c.bus.Subscribe(bus.TopicState, bus.TopicResult)

	c.wg.Add(2)
	go c.requestLoop()
	go c.publishLoop(sub)
}

// Stop отменяет текущее сканирование, завершает циклы и отключается
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		c.logger.Println("Stopping MQTT client...")
		c.cancel()
		close(c.stopChan)
		c.wg.Wait()

		if c.mqttClient != nil && c.mqttClient.IsConnected() {
			c.mqttClient.Disconnect(1000)
			c.logger.Println("MQTT client disconnected")
		}
	})
	return nil
}

// onConnectHandler вызывается при каждом (пере)подключении, поэтому подписки
// переживают перезапуск брокера
func (c *Client) onConnectHandler(client mqttLib.Client) {
	c.logger.Println("Connected to MQTT broker")

	topic := c.RequestTopic()
	if token := client.Subscribe(topic, c.config.QoS, c.onCommandReceived); token.Wait() && token.Error() != nil {
		c.logger.Printf("Failed to subscribe to command topic %s: %v", topic, token.Error())
		return
	}
	c.logger.Printf("Subscribed to command topic: %s", topic)
}

func (c *Client) onConnectionLostHandler(client mqttLib.Client, err error) {
	c.logger.Printf("Connection lost: %v", err)
}

func (c *Client) onReconnectingHandler(client mqttLib.Client, opts *mqttLib.ClientOptions) {
	c.logger.Println("Attempting to reconnect to MQTT broker...")
}

func (c *Client) onCommandReceived(client mqttLib.Client, msg mqttLib.Message) {
	c.handleRequest(msg.Topic(), msg.Payload())
}

// handleRequest декодирует запрос и ставит его в очередь. При полной очереди
// сразу отвечает ошибкой
func (c *Client) handleRequest(topic string, payload []byte) {
	c.logger.Printf("Received request on topic: %s", topic)

	requestID := c.requestID(topic)
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.logger.Printf("Failed to unmarshal request: %v", err)
		c.respond(requestID, CommandResponse{Status: "error", Error: "invalid request: " + err.Error()})
		return
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = requestID
	}
	if cmd.Scan.ScanType == "" {
		cmd.Scan.ScanType = common.ScanQuick
	}
	if !cmd.Scan.ScanType.Valid() {
		c.respond(requestID, CommandResponse{
			CorrelationID: cmd.CorrelationID,
			Status:        "error",
			Error:         fmt.Sprintf("unknown scan type %q", cmd.Scan.ScanType),
		})
		return
	}

	select {
	case c.requests <- scanRequest{requestID: requestID, msg: cmd}:
		c.logger.Printf("Queued %s scan (correlation_id: %s)", cmd.Scan.ScanType, cmd.CorrelationID)
	default:
		c.respond(requestID, CommandResponse{
			CorrelationID: cmd.CorrelationID,
			Status:        "error",
			Error:         "request queue full",
		})
	}
}

func (c *Client) requestLoop() {
	defer c.wg.Done()
	c.logger.Println("Starting request loop")

	for {
		select {
		case <-c.stopChan:
			c.logger.Println("Request loop stopped")
			return
		case req := <-c.requests:
			c.runScan(req)
		}
	}
}

func (c *Client) runScan(req scanRequest) {
	result, err := c.scanner.Scan(c.ctx, req.msg.Scan)
	resp := CommandResponse{CorrelationID: req.msg.CorrelationID, Status: "success"}
	if err != nil {
		c.logger.Printf("Scan %s failed: %v", req.msg.CorrelationID, err)
		resp.Status = "error"
		resp.Error = err.Error()
		if common.IsTimeout(err) {
			resp.Error = "adapter did not answer: " + resp.Error
		}
	} else {
		resp.Result = result
		c.bus.Publish(bus.TopicResult, result)
	}
	c.respond(req.requestID, resp)
}

func (c *Client) publishLoop(sub bus.Subscription) {
	defer c.wg.Done()
	defer c.bus.Unsubscribe(sub)
	c.logger.Println("Starting publish loop")

	for {
		select {
		case <-c.stopChan:
			c.logger.Println("Publish loop stopped")
			return
		case msg, ok := <-sub:
			if !ok {
				c.logger.Println("Bus subscription closed")
				return
			}
			var err error
			switch m := msg.(type) {
			case common.ConnectionState:
				err = c.publishState(m)
			case *common.ScanResult:
				err = c.publishReport(m)
			default:
				err = fmt.Errorf("unsupported bus message type: %T", msg)
			}
			if err != nil {
				c.logger.Printf("Failed to publish: %v", err)
			}
		}
	}
}

func (c *Client) publishState(st common.ConnectionState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return c.publish(c.StateTopic(), true, payload)
}

func (c *Client) publishReport(result *common.ScanResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	topic := c.ReportTopic(result)
	if err := c.publish(topic, false, payload); err != nil {
		return err
	}
	c.logger.Printf("Published report %s to %s", result.ScanID, topic)
	return nil
}

func (c *Client) respond(requestID string, resp CommandResponse) {
	resp.Timestamp = time.Now()
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.Printf("Failed to marshal response: %v", err)
		return
	}
	topic := c.ResponseTopic(requestID)
	if err := c.publish(topic, false, payload); err != nil {
		c.logger.Printf("Failed to publish response: %v", err)
		return
	}
	c.logger.Printf("Published response to %s: %s", topic, resp.Status)
}

func (c *Client) mqttPublish(topic string, retained bool, payload []byte) error {
	if c.mqttClient == nil || !c.mqttClient.IsConnected() {
		return fmt.Errorf("MQTT publish to %s: %w", topic, common.ErrNotConnected)
	}
	token := c.mqttClient.Publish(topic, c.config.QoS, retained, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

// RequestTopic возвращает подписку с шаблоном для запросов на сканирование
func (c *Client) RequestTopic() string {
	return c.config.CommandTopic + "/+/request"
}

func (c *Client) ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/%s/response", c.config.CommandTopic, requestID)
}

func (c *Client) StateTopic() string {
	return c.config.DataTopic + "/state"
}

// ReportTopic раскладывает отчеты по VIN, а без него по id адаптера
func (c *Client) ReportTopic(result *common.ScanResult) string {
	key := result.Identity.VIN
	if key == "" {
		key = result.DeviceInfo.DeviceID
	}
	if key == "" {
		key = "unknown"
	}
	return fmt.Sprintf("%s/%s/report", c.config.DataTopic, key)
}

// requestID извлекает сегмент "+" из <command_topic>/<id>/request
func (c *Client) requestID(topic string) string {
	id := strings.TrimPrefix(topic, c.config.CommandTopic+"/")
	id = strings.TrimSuffix(id, "/request")
	if id == "" || strings.Contains(id, "/") {
		return "unknown"
	}
	return id
}

// IsConnected проверяет, подключен ли клиент к брокеру
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}
