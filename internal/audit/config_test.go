package audit

import (
	"time"

	"github.com/muaviaUsmani/bananas/internal/config"
)

func rabbitTestConfig() config.RabbitMQConfig {
	return config.RabbitMQConfig{
		Protocol:          "amqp",
		Host:              "localhost",
		Port:              "5672",
		User:              "guest",
		Pass:              "guest",
		VHost:             "/",
		ConnectionTimeout: time.Second,
	}
}

func auditTestConfig() config.AuditConfig {
	return config.AuditConfig{
		RabbitMQQueue:    "audit.records",
		MaxRetries:       3,
		IntegrityEnabled: true,
	}
}
