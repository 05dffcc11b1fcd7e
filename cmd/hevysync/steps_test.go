package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectSimpleSheet_PrefersTitleOverName(t *testing.T) {
	row, err := projectSimpleSheet(json.RawMessage(`{"id":"r1","title":"Leg Day","name":"ignored"}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", row[0])
	assert.Equal(t, "Leg Day", row[1])
}

func TestProjectSimpleSheet_FallsBackToName(t *testing.T) {
	row, err := projectSimpleSheet(json.RawMessage(`{"id":"e1","name":"Squat"}`))
	require.NoError(t, err)
	assert.Equal(t, "Squat", row[1])
}

func TestProjectWorkout_OneRowPerSet(t *testing.T) {
	payload := json.RawMessage(`{
		"title": "Leg Day",
		"exercises": [
			{"title": "Squat", "sets": [{"weight_kg": 100, "reps": 5}, {"weight_kg": 100, "reps": 5}]}
		]
	}`)
	rows := projectWorkout("w1", payload)
	require.Len(t, rows, 2)
	assert.Equal(t, "w1", rows[0][0])
	assert.Equal(t, "Leg Day", rows[0][1])
	assert.Equal(t, "Squat", rows[0][2])
	assert.Equal(t, 5, rows[0][4])
}

func TestProjectWorkout_NoExercisesYieldsSummaryRow(t *testing.T) {
	rows := projectWorkout("w2", json.RawMessage(`{"title":"Rest Day"}`))
	require.Len(t, rows, 1)
	assert.Equal(t, "Rest Day", rows[0][1])
}

func TestProjectWorkout_InvalidPayloadStillYieldsPlaceholderRow(t *testing.T) {
	rows := projectWorkout("w3", json.RawMessage(`not json`))
	require.Len(t, rows, 1)
	assert.Equal(t, "w3", rows[0][0])
}
