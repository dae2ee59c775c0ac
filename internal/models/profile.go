package models

import "time"

// Profile is the per-user profile document. Optional fields are pointers so a
// merge update can distinguish "leave unchanged" from "clear".
type Profile struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	PhotoURL    *string   `json:"photo_url"`
	Age         *int      `json:"age"`
	Gender      *string   `json:"gender"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProfileUpdate carries a partial profile edit. Nil fields are left untouched.
type ProfileUpdate struct {
	DisplayName *string `json:"display_name"`
	PhotoURL    *string `json:"photo_url"`
	Age         *int    `json:"age"`
	Gender      *string `json:"gender"`
}
