package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/pkg/events"
)

func main() {
	godotenv.Load()

	topic := flag.String("topic", events.TopicMarathonCreated, "Topic to publish to")
	marathonID := flag.String("marathon", "", "Marathon id (generated when empty)")
	endIn := flag.Duration("end-in", 2*time.Minute, "Marathon end date relative to now")
	userID := flag.String("user", "test-user-123", "Submitting user for submission.created")
	questionID := flag.String("question", "", "Question id for submission.created")
	answer := flag.String("answer", "", "Answer text for submission.created")
	flag.Parse()

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = "localhost:9092"
	}
	if *marathonID == "" {
		*marathonID = uuid.New().String()
	}
	now := time.Now().UTC()

	var event interface{}
	switch *topic {
	case events.TopicMarathonCreated, events.TopicMarathonUpdated:
		event = events.MarathonEvent{
			MarathonID: *marathonID,
			Title:      "Local test marathon",
			StartDate:  now,
			EndDate:    now.Add(*endIn),
			Timestamp:  now.Format(time.RFC3339),
		}
	case events.TopicMarathonDeleted:
		event = events.MarathonDeletedEvent{MarathonID: *marathonID, Timestamp: now.Format(time.RFC3339)}
	case events.TopicSubmissionCreated:
		event = events.SubmissionCreatedEvent{
			SubmissionID: uuid.New().String(),
			UserID:       *userID,
			MarathonID:   *marathonID,
			QuestionID:   *questionID,
			Answer:       *answer,
			Timestamp:    now.Format(time.RFC3339),
		}
	default:
		fmt.Fprintf(os.Stderr, "unsupported topic %q\n", *topic)
		os.Exit(1)
	}

	data, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling event: %v\n", err)
		os.Exit(1)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  *topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := writer.WriteMessages(ctx, kafka.Message{Key: []byte(*marathonID), Value: data}); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to Kafka: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Published %s: %s\n", *topic, data)
}
