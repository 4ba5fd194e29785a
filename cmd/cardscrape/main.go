// Package main provides the cardscrape CLI.
//
// cardscrape crawls one bank website for a single credit card, fetches the
// most relevant pages and PDFs within budget and writes one merged record
// with a completeness report.
//
// Usage:
//
//	cardscrape crawl https://www.examplebank.com/credit-cards/platinum
//	cardscrape crawl -c cardscrape.yaml --format dual
package main

func main() {
	Execute()
}
