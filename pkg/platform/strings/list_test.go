package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "unset", input: "", want: nil},
		{name: "only separators", input: " , ,,", want: nil},
		{name: "single broker", input: "redpanda:9092", want: []string{"redpanda:9092"}},
		{
			name:  "spaces around entries",
			input: " kafka-0:9092 ,kafka-1:9092 ",
			want:  []string{"kafka-0:9092", "kafka-1:9092"},
		},
		{
			name:  "repeats keep first position",
			input: "kafka-1:9092,kafka-0:9092,kafka-1:9092",
			want:  []string{"kafka-1:9092", "kafka-0:9092"},
		},
		{
			name:  "hosts are case sensitive",
			input: "Kafka:9092,kafka:9092",
			want:  []string{"Kafka:9092", "kafka:9092"},
		},
		{
			name:  "ports distinguish entries",
			input: "localhost:9092,localhost:19092",
			want:  []string{"localhost:9092", "localhost:19092"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitList(tt.input, ","))
		})
	}
}
