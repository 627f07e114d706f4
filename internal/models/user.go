package models

import "github.com/google/uuid"

type User struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	Password string    `json:"password,omitempty"`
	Username string    `json:"username"`

	IsEphemeral bool `json:"is_ephemeral"`
	IsAdmin     bool `json:"is_admin"`

	// Rating fields seed the matchmaker's search interval.
	Rating1v1      float64 `json:"rating_1v1"`
	Uncertainty1v1 float64 `json:"uncertainty_1v1"`
	NumGames1v1    int     `json:"num_games_1v1"`
}
