package events

import (
	"context"
	"testing"

	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "nfse.emission.autorizada", Subject("nfse.emission", models.EmissionStatusAuthorized))
	assert.Equal(t, "x.em_fila", Subject("x", models.EmissionStatusQueued))
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), models.EmissionEvent{Protocol: "P"}))
	p.Close()
}
