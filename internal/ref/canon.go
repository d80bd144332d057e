package ref

import "strings"

// Book holds catalog metadata for one book of the canon.
type Book struct {
	// Number is the canonical position, Genesis = 1 through Revelation = 66.
	Number int
	// Name is the full English title.
	Name string
	// Slug is the URL-safe identifier.
	Slug string
	// Abbreviations lists accepted short forms, lowercased.
	Abbreviations []string
	// Chapters is the chapter count.
	Chapters int
}

// canon contains the 66-book Protestant canon in canonical order. Book
// numbers feed directly into VerseID keys, so the order here is load-bearing
// for every persisted key.
var canon = []Book{
	{1, "Genesis", "genesis", []string{"gen", "ge", "gn"}, 50},
	{2, "Exodus", "exodus", []string{"exod", "exo", "ex"}, 40},
	{3, "Leviticus", "leviticus", []string{"lev", "le", "lv"}, 27},
	{4, "Numbers", "numbers", []string{"num", "nu", "nm"}, 36},
	{5, "Deuteronomy", "deuteronomy", []string{"deut", "dt", "de"}, 34},
	{6, "Joshua", "joshua", []string{"josh", "jos"}, 24},
	{7, "Judges", "judges", []string{"judg", "jdg", "jgs"}, 21},
	{8, "Ruth", "ruth", []string{"ru", "rth"}, 4},
	{9, "1 Samuel", "1-samuel", []string{"1sam", "1sa", "1sm"}, 31},
	{10, "2 Samuel", "2-samuel", []string{"2sam", "2sa", "2sm"}, 24},
	{11, "1 Kings", "1-kings", []string{"1kgs", "1ki"}, 22},
	{12, "2 Kings", "2-kings", []string{"2kgs", "2ki"}, 25},
	{13, "1 Chronicles", "1-chronicles", []string{"1chr", "1ch"}, 29},
	{14, "2 Chronicles", "2-chronicles", []string{"2chr", "2ch"}, 36},
	{15, "Ezra", "ezra", []string{"ezr"}, 10},
	{16, "Nehemiah", "nehemiah", []string{"neh", "ne"}, 13},
	{17, "Esther", "esther", []string{"esth", "est", "es"}, 10},
	{18, "Job", "job", []string{"jb"}, 42},
	{19, "Psalms", "psalms", []string{"ps", "psa", "pss", "psalm"}, 150},
	{20, "Proverbs", "proverbs", []string{"prov", "prv", "pr"}, 31},
	{21, "Ecclesiastes", "ecclesiastes", []string{"eccl", "ecc", "qoh"}, 12},
	{22, "Song of Solomon", "song-of-solomon", []string{"song", "sos", "cant", "songofsongs"}, 8},
	{23, "Isaiah", "isaiah", []string{"isa", "is"}, 66},
	{24, "Jeremiah", "jeremiah", []string{"jer", "je"}, 52},
	{25, "Lamentations", "lamentations", []string{"lam", "la"}, 5},
	{26, "Ezekiel", "ezekiel", []string{"ezek", "eze", "ezk"}, 48},
	{27, "Daniel", "daniel", []string{"dan", "da", "dn"}, 12},
	{28, "Hosea", "hosea", []string{"hos", "ho"}, 14},
	{29, "Joel", "joel", []string{"joe", "jl"}, 3},
	{30, "Amos", "amos", []string{"amo", "am"}, 9},
	{31, "Obadiah", "obadiah", []string{"obad", "ob"}, 1},
	{32, "Jonah", "jonah", []string{"jon", "jnh"}, 4},
	{33, "Micah", "micah", []string{"mic", "mi"}, 7},
	{34, "Nahum", "nahum", []string{"nah", "na"}, 3},
	{35, "Habakkuk", "habakkuk", []string{"hab", "hb"}, 3},
	{36, "Zephaniah", "zephaniah", []string{"zeph", "zep"}, 3},
	{37, "Haggai", "haggai", []string{"hag", "hg"}, 2},
	{38, "Zechariah", "zechariah", []string{"zech", "zec"}, 14},
	{39, "Malachi", "malachi", []string{"mal", "ml"}, 4},
	{40, "Matthew", "matthew", []string{"matt", "mat", "mt"}, 28},
	{41, "Mark", "mark", []string{"mrk", "mk"}, 16},
	{42, "Luke", "luke", []string{"luk", "lk"}, 24},
	{43, "John", "john", []string{"jhn", "jn"}, 21},
	{44, "Acts", "acts", []string{"act", "ac"}, 28},
	{45, "Romans", "romans", []string{"rom", "rm", "ro"}, 16},
	{46, "1 Corinthians", "1-corinthians", []string{"1cor", "1co"}, 16},
	{47, "2 Corinthians", "2-corinthians", []string{"2cor", "2co"}, 13},
	{48, "Galatians", "galatians", []string{"gal", "ga"}, 6},
	{49, "Ephesians", "ephesians", []string{"eph", "ep"}, 6},
	{50, "Philippians", "philippians", []string{"phil", "php", "philip"}, 4},
	{51, "Colossians", "colossians", []string{"col"}, 4},
	{52, "1 Thessalonians", "1-thessalonians", []string{"1thess", "1thes", "1th"}, 5},
	{53, "2 Thessalonians", "2-thessalonians", []string{"2thess", "2thes", "2th"}, 3},
	{54, "1 Timothy", "1-timothy", []string{"1tim", "1ti"}, 6},
	{55, "2 Timothy", "2-timothy", []string{"2tim", "2ti"}, 4},
	{56, "Titus", "titus", []string{"tit", "ti"}, 3},
	{57, "Philemon", "philemon", []string{"phlm", "phm", "philem"}, 1},
	{58, "Hebrews", "hebrews", []string{"heb", "he"}, 13},
	{59, "James", "james", []string{"jas", "jam", "jm"}, 5},
	{60, "1 Peter", "1-peter", []string{"1pet", "1pe", "1pt"}, 5},
	{61, "2 Peter", "2-peter", []string{"2pet", "2pe", "2pt"}, 3},
	{62, "1 John", "1-john", []string{"1jn", "1jo"}, 5},
	{63, "2 John", "2-john", []string{"2jn", "2jo"}, 1},
	{64, "3 John", "3-john", []string{"3jn", "3jo"}, 1},
	{65, "Jude", "jude", []string{"jud", "jde"}, 1},
	{66, "Revelation", "revelation", []string{"rev", "rv"}, 22},
}

// byTitle maps every normalized name, slug and abbreviation to its book.
var byTitle = func() map[string]Book {
	m := make(map[string]Book, len(canon)*4)
	for _, book := range canon {
		m[normalizeTitle(book.Name)] = book
		m[normalizeTitle(book.Slug)] = book
		for _, abbreviation := range book.Abbreviations {
			m[abbreviation] = book
		}
	}
	return m
}()

// normalizeTitle lowercases a book title and strips separators so that
// "1 Sam", "1Sam." and "1-samuel" all resolve to the same key.
func normalizeTitle(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToLower(raw) {
		switch r {
		case ' ', '.', '-', '_':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Books returns the canon in canonical order. Callers must not mutate the
// returned slice.
func Books() []Book {
	return canon
}

// BookByNumber looks up a book by canonical position.
func BookByNumber(number int) (Book, bool) {
	if number < 1 || number > len(canon) {
		return Book{}, false
	}
	return canon[number-1], true
}

// LookupBook resolves a full name, slug or abbreviation to its book.
func LookupBook(title string) (Book, bool) {
	book, ok := byTitle[normalizeTitle(title)]
	return book, ok
}
