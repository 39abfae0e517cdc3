package main

import (
	"fmt"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/manifoldco/promptui"
)

var FuncMap = template.FuncMap{
	"bytesToString": func(b []byte) string { return string(b) },
	"humanBytes": func(n uint64) string {
		return humanize.Bytes(n)
	},
	"parseDate": func(t time.Time) string {
		return t.Format(time.Stamp)
	},
	"timeToDuration": func(t time.Time) string {
		return humanize.Time(t)
	},
	"shorten": func(s string) string {
		if len(s) <= 8 {
			return s
		}
		return s[0:8]
	},
}

func ParseTemplate(body string) *template.Template {
	tpl, err := template.New("").Funcs(promptui.FuncMap).Funcs(FuncMap).Parse(fmt.Sprintf("%s\n", body))
	if err != nil {
		panic(err)
	}
	return tpl
}
