package contracts

// TopicUserRegistered is the default topic for UserRegistered events
const TopicUserRegistered = "USER_REGISTERED"

// FullName is a user's display name
type FullName struct {
	Firstname string `json:"firstname" validate:"required"`
	Lastname  string `json:"lastname"`
}

// UserRegistered is published once a user account has been created
type UserRegistered struct {
	ID       string   `json:"id" validate:"required"`
	Email    string   `json:"email" validate:"required,email"`
	Fullname FullName `json:"fullname" validate:"required"`
	Role     string   `json:"role"`
}
