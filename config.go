package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"elm327-scanner/bluetooth"
	"elm327-scanner/mqtt"
	"elm327-scanner/scanner"
)

const envPrefix = "ELM327"

// TransportConfig выбирает и настраивает транспорт адаптера
type TransportConfig struct {
	Kind   string                 `mapstructure:"kind"` // ble, rfcomm, serial, emulator
	BLE    bluetooth.BLEConfig    `mapstructure:"ble"`
	RFCOMM bluetooth.Config       `mapstructure:"rfcomm"`
	Serial bluetooth.SerialConfig `mapstructure:"serial"`
}

type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Scanner   scanner.Config  `mapstructure:"scanner"`
	MQTT      mqtt.Config     `mapstructure:"mqtt"`
	Logging   struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
	// ConnectRetries задает число дополнительных попыток подключения
	ConnectRetries uint `mapstructure:"connect_retries"`
}

func setDefaults(v *viper.Viper) {
	ble := bluetooth.DefaultBLEConfig()
	rfcomm := bluetooth.DefaultConfig()
	serial := bluetooth.DefaultSerialConfig()
	sc := scanner.DefaultConfig()
	mc := mqtt.DefaultConfig()

	v.SetDefault("transport.kind", "ble")
	v.SetDefault("transport.ble.adapter_id", ble.AdapterID)
	v.SetDefault("transport.ble.address", ble.Address)
	v.SetDefault("transport.ble.name_filters", ble.NameFilters)
	v.SetDefault("transport.ble.scan_timeout", ble.ScanTimeout)
	v.SetDefault("transport.ble.queue_size", ble.QueueSize)
	v.SetDefault("transport.rfcomm.device_path", rfcomm.DevicePath)
	v.SetDefault("transport.rfcomm.write_timeout", rfcomm.WriteTimeout)
	v.SetDefault("transport.rfcomm.queue_size", rfcomm.QueueSize)
	v.SetDefault("transport.serial.port", serial.Port)
	v.SetDefault("transport.serial.baud_rate", serial.BaudRate)
	v.SetDefault("transport.serial.queue_size", serial.QueueSize)

	v.SetDefault("scanner.correlator.command_timeout", sc.Correlator.Timeout)
	v.SetDefault("scanner.correlator.poll_delay", sc.Correlator.PollDelay)
	v.SetDefault("scanner.init.settle_delay", sc.Init.SettleDelay)
	v.SetDefault("scanner.init.reset_delay", sc.Init.ResetDelay)
	v.SetDefault("scanner.simulated_step_delay", sc.SimulatedStepDelay)

	v.SetDefault("mqtt.broker", mc.Broker)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.data_topic", mc.DataTopic)
	v.SetDefault("mqtt.command_topic", mc.CommandTopic)
	v.SetDefault("mqtt.qos", mc.QoS)
	v.SetDefault("mqtt.keep_alive", mc.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", mc.ConnectTimeout)
	v.SetDefault("mqtt.auto_reconnect", mc.AutoReconnect)
	v.SetDefault("mqtt.request_queue", mc.RequestQueue)

	v.SetDefault("logging.level", "info")
	v.SetDefault("connect_retries", 0)
}

// loadConfig читает path или ./config.yaml, если path пустой. Отсутствие файла
// по умолчанию не ошибка, переменные окружения ELM327_* переопределяют оба
func loadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
		logger.Println("No config.yaml found, using defaults")
	} else {
		logger.Printf("Using config file %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return config, nil
}
