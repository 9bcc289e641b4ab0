package indexing

import (
	"database/sql"
	"strings"
	"unicode"
)

// Tokenize lowercases and splits text into terms: a run that starts with a
// non-CJK Unicode letter/digit extends over every following letter/digit
// (CJK included) and becomes one word term; runs that start with CJK are emitted as both
// unigrams and bigrams, since CJK text carries no whitespace to delimit
// words on (spec.md §4.5 keyword index tokenizer rule).
func Tokenize(text string) []string {
	var terms []string
	runes := []rune(strings.ToLower(text))
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case isCJK(r):
			j := i
			for j < len(runes) && isCJK(runes[j]) {
				j++
			}
			run := runes[i:j]
			for k := 0; k < len(run); k++ {
				terms = append(terms, string(run[k]))
				if k+1 < len(run) {
					terms = append(terms, string(run[k:k+2]))
				}
			}
			i = j
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j])) {
				j++
			}
			terms = append(terms, string(runes[i:j]))
			i = j
		default:
			i++
		}
	}
	return terms
}

// termFrequencies counts occurrences of each term in terms.
func termFrequencies(terms []string) map[string]int {
	tf := make(map[string]int, len(terms))
	for _, t := range terms {
		tf[t]++
	}
	return tf
}

// indexKeywords tokenizes content and replaces entityID's keyword_terms
// rows with fresh tf counts. df is left at the value already on disk for
// other entities and recomputed in a separate corpus-wide pass
// (recomputeDocumentFrequencies) once every entity in the run has been
// (re)tokenized, since df depends on the whole corpus, not one entity.
func (p *Pipeline) indexKeywords(entityID, entityType, content string) error {
	terms := Tokenize(content)
	tf := termFrequencies(terms)

	p.st.Lock()
	defer p.st.Unlock()
	db := p.st.DB()

	if _, err := db.Exec(`DELETE FROM keyword_terms WHERE entity_id = ? AND entity_type = ?`, entityID, entityType); err != nil {
		return err
	}
	for term, count := range tf {
		if _, err := db.Exec(`INSERT INTO keyword_terms(term, entity_id, entity_type, tf, df) VALUES (?,?,?,?,0)`,
			term, entityID, entityType, count); err != nil {
			return err
		}
	}
	return nil
}

// recomputeDocumentFrequencies sets df on every keyword_terms row to the
// number of distinct (entity_id, entity_type) pairs carrying that term,
// so BM25 scoring in Search Core always reads a corpus-accurate df.
func recomputeDocumentFrequencies(db *sql.DB) error {
	_, err := db.Exec(`
		UPDATE keyword_terms
		SET df = (
			SELECT COUNT(*) FROM (
				SELECT DISTINCT entity_id, entity_type
				FROM keyword_terms AS kt2
				WHERE kt2.term = keyword_terms.term
			)
		)`)
	return err
}
