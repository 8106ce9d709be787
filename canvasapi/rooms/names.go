package rooms

import (
	"fmt"
	"math/rand"
)

var nameAdjectives = []string{
	"Brave", "Calm", "Dapper", "Eager", "Fuzzy", "Gentle", "Happy",
	"Jolly", "Keen", "Lively", "Merry", "Nimble", "Peppy", "Quick",
	"Sly", "Swift", "Witty", "Zesty",
}

var nameAnimals = []string{
	"Axolotl", "Badger", "Capybara", "Dormouse", "Egret", "Ferret",
	"Gecko", "Heron", "Ibex", "Jackdaw", "Kestrel", "Lemur", "Marmot",
	"Narwhal", "Otter", "Puffin", "Quokka", "Raccoon", "Stoat", "Tapir",
}

// generateName invents a display name for a joiner who didn't supply one.
func generateName() string {
	return fmt.Sprintf("%s %s",
		nameAdjectives[rand.Intn(len(nameAdjectives))],
		nameAnimals[rand.Intn(len(nameAnimals))],
	)
}
