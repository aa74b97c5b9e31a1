package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"telegemini-go/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersonaService_FallsBackToDefaults(t *testing.T) {
	cases := map[string]*memSettingsRepo{
		"not found":  {},
		"load error": {loadErr: errors.New("failed to unmarshal personas")},
		"empty list": {personas: []model.Persona{}},
	}
	for name, repo := range cases {
		t.Run(name, func(t *testing.T) {
			svc := NewPersonaService(context.Background(), repo)
			assert.Equal(t, DefaultPersonas(), svc.List())
		})
	}
}

func TestNewPersonaService_LoadsSavedList(t *testing.T) {
	repo := &memSettingsRepo{personas: []model.Persona{{ID: "a", Name: "Alpha"}, {ID: "b", Name: "Beta"}}}
	svc := NewPersonaService(context.Background(), repo)

	list := svc.List()
	require.Len(t, list, 2)
	assert.Equal(t, "Alpha", list[0].Name)

	_, err := svc.Get(DefaultPersonaID)
	assert.ErrorIs(t, err, ErrPersonaNotFound)
}

func TestPersonaService_CreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	repo := &memSettingsRepo{}
	svc := NewPersonaService(ctx, repo)

	created, err := svc.Create(ctx, model.PersonaDraft{Name: "Chef Bot", Description: "Cooks", SystemInstruction: "You cook."})
	require.NoError(t, err)
	_, err = uuid.Parse(created.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.BotTypeGeneral, created.Type)
	assert.True(t, strings.Contains(created.AvatarURL, "name=Chef+Bot"))
	require.Len(t, repo.personas, 2)

	name := "Sous Chef"
	instr := "You assist."
	updated, err := svc.Update(ctx, created.ID, model.PersonaUpdate{Name: &name, SystemInstruction: &instr})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "Sous Chef", updated.Name)
	assert.Equal(t, "Cooks", updated.Description)
	assert.Equal(t, "You assist.", svc.Instructions(created.ID))
	assert.Equal(t, "Sous Chef", repo.personas[1].Name)
	assert.Equal(t, 2, repo.saves)

	_, err = svc.Update(ctx, "missing", model.PersonaUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrPersonaNotFound)
}

func TestPersonaService_SaveFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	repo := &memSettingsRepo{saveErr: errors.New("disk full")}
	svc := NewPersonaService(ctx, repo)

	name := "Renamed"
	_, err := svc.Update(ctx, DefaultPersonaID, model.PersonaUpdate{Name: &name})
	require.Error(t, err)

	p, err := svc.Get(DefaultPersonaID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", p.Name)
}

func TestPersonaService_GreetingAndInstructions(t *testing.T) {
	repo := &memSettingsRepo{personas: []model.Persona{
		{ID: DefaultPersonaID, Name: "Gemini Assistant"},
		{ID: "custom", Name: "Custom", LastMessage: "Yo!", SystemInstruction: "Be custom."},
		{ID: "plain", Name: "Plain"},
	}}
	svc := NewPersonaService(context.Background(), repo)

	assert.Equal(t, initialGreetings[DefaultPersonaID], svc.Greeting(DefaultPersonaID))
	assert.Equal(t, "Yo!", svc.Greeting("custom"))
	assert.Equal(t, fallbackGreeting, svc.Greeting("plain"))

	assert.Equal(t, "Be custom.", svc.Instructions("custom"))
	assert.Equal(t, defaultInstruction, svc.Instructions("plain"))
	assert.Equal(t, defaultInstruction, svc.Instructions("missing"))

	defaults := NewPersonaService(context.Background(), &memSettingsRepo{})
	assert.Equal(t, "Type /help to start", defaults.Greeting(DefaultPersonaID))
}
