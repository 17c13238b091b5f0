package reserve

import "fmt"

func availableKey(user string) string    { return fmt.Sprintf("balance:%s:available", user) }
func heldKey(user string) string         { return fmt.Sprintf("balance:%s:held", user) }
func reservationKey(id string) string    { return fmt.Sprintf("reservation:%s", id) }
func expirySchedKey() string             { return "reserve:expiry_schedule" }
