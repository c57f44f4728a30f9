package kafka

import (
	"crypto/sha256"
	"crypto/sha512"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// scramClient 基于 xdg-go/scram 实现 sarama.SCRAMClient
type scramClient struct {
	hash         scram.HashGeneratorFcn
	conversation *scram.ClientConversation
}

func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.hash.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.conversation = client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.conversation.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.conversation.Done()
}

// applySASL 设置 SASL 认证 (PLAIN / SCRAM-SHA-256 / SCRAM-SHA-512)
func applySASL(saramaConfig *sarama.Config, cfg *SASLConfig) {
	saramaConfig.Net.SASL.Enable = true
	saramaConfig.Net.SASL.User = cfg.Username
	saramaConfig.Net.SASL.Password = cfg.Password

	var hash scram.HashGeneratorFcn
	switch cfg.Mechanism {
	case "SCRAM-SHA-256":
		hash = sha256.New
		saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
	case "SCRAM-SHA-512":
		hash = sha512.New
		saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
	default:
		saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		return
	}
	saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
		return &scramClient{hash: hash}
	}
}
