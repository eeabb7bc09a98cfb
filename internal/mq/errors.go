package mq

import "errors"

// ErrNotConnected — нет открытого канала (соединение разорвано или закрыто).
var ErrNotConnected = errors.New("amqp channel not available")
