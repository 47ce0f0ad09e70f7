package matrixclient

// SASEmoji is one entry of the short authentication string shown to the
// user for visual comparison.
type SASEmoji struct {
	Emoji string
	Name  string
}

// sasEmojiTable is the standard 64-entry emoji table; the SAS bytes index
// into it six bits at a time.
var sasEmojiTable = [64]SASEmoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Spanner"}, {"🎅", "Santa"},
	{"👍", "Thumbs Up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"}, {"⏰", "Clock"},
	{"🎁", "Gift"}, {"💡", "Light Bulb"}, {"📕", "Book"}, {"✏️", "Pencil"},
	{"📎", "Paperclip"}, {"✂️", "Scissors"}, {"🔒", "Lock"}, {"🔑", "Key"},
	{"🔨", "Hammer"}, {"☎️", "Telephone"}, {"🏁", "Flag"}, {"🚂", "Train"},
	{"🚲", "Bicycle"}, {"✈️", "Aeroplane"}, {"🚀", "Rocket"}, {"🏆", "Trophy"},
	{"⚽", "Ball"}, {"🎸", "Guitar"}, {"🎺", "Trumpet"}, {"🔔", "Bell"},
	{"⚓", "Anchor"}, {"🎧", "Headphones"}, {"📁", "Folder"}, {"📌", "Pin"},
}

const sasEmojiCount = 7

// sasEmojis derives the 7-item emoji sequence from the SAS bytes: the first
// 42 bits, taken 6 at a time, index the table.
func sasEmojis(sas []byte) []SASEmoji {
	if len(sas) < 6 {
		return nil
	}

	bits := uint64(sas[0])<<40 | uint64(sas[1])<<32 | uint64(sas[2])<<24 |
		uint64(sas[3])<<16 | uint64(sas[4])<<8 | uint64(sas[5])

	out := make([]SASEmoji, sasEmojiCount)
	for i := 0; i < sasEmojiCount; i++ {
		out[i] = sasEmojiTable[(bits>>uint(42-i*6))&0x3f]
	}

	return out
}
