package models

import (
	"time"

	"github.com/google/uuid"
)

// FoodStatus is the lifecycle state of a food listing.
type FoodStatus string

const (
	FoodStatusAvailable FoodStatus = "available"
	FoodStatusClaimed   FoodStatus = "claimed"
	FoodStatusCompleted FoodStatus = "completed"
	FoodStatusExpired   FoodStatus = "expired"
	FoodStatusCancelled FoodStatus = "cancelled"
)

// FoodCategory groups listings by spoilage risk.
type FoodCategory string

const (
	CategoryBakedGoods       FoodCategory = "baked_goods"
	CategoryCookedVegetables FoodCategory = "cooked_vegetables"
	CategoryPreservedFoods   FoodCategory = "preserved_foods"
	CategoryCookedGrains     FoodCategory = "cooked_grains"
	CategoryFreshProduce     FoodCategory = "fresh_produce"
	CategoryCookedMeals      FoodCategory = "cooked_meals"
)

type ServingSize string

const (
	ServingSingle ServingSize = "single"
	ServingCouple ServingSize = "couple"
	ServingFamily ServingSize = "family"
	ServingParty  ServingSize = "party"
)

type Food struct {
	ID                 uuid.UUID    `json:"id"`
	SharerID           uuid.UUID    `json:"sharer_id"`
	BuildingID         uuid.UUID    `json:"building_id"`
	Title              string       `json:"title"`
	Description        string       `json:"description"`
	Category           FoodCategory `json:"category"`
	ServingSize        ServingSize  `json:"serving_size"`
	Ingredients        string       `json:"ingredients,omitempty"`
	Allergens          string       `json:"allergens,omitempty"`
	DietaryInfo        string       `json:"dietary_info,omitempty"`
	PickupLocation     string       `json:"pickup_location,omitempty"`
	PickupInstructions string       `json:"pickup_instructions,omitempty"`
	PickupStart        time.Time    `json:"pickup_start"`
	PickupEnd          time.Time    `json:"pickup_end"`
	ExpiresAt          time.Time    `json:"expires_at"`
	CreditValue        int          `json:"credit_value"`
	Status             FoodStatus   `json:"status"`
	ClaimedByID        *uuid.UUID   `json:"claimed_by_id,omitempty"`
	ClaimedAt          *time.Time   `json:"claimed_at,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// IsAvailable reports whether the listing can be claimed at the given time:
// status available and now within [pickup_start, expires_at).
func (f *Food) IsAvailable(now time.Time) bool {
	return f.Status == FoodStatusAvailable &&
		!now.Before(f.PickupStart) &&
		now.Before(f.ExpiresAt)
}

// CanBeClaimedBy reports whether userID may claim this listing. The sharer
// cannot claim their own post.
func (f *Food) CanBeClaimedBy(userID uuid.UUID, now time.Time) bool {
	return f.IsAvailable(now) &&
		f.SharerID != userID &&
		f.ClaimedByID == nil
}
