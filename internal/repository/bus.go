package repository

// Topic on which committed balance changes are announced.
const TopicCreditEvents = "credits.events"

type MessageBus interface {
	Publish(topic string, data []byte) error
}
