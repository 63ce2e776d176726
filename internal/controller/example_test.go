package controller_test

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/scrapewatch/internal/clock/system"
	"github.com/JakeFAU/scrapewatch/internal/controller"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
	"github.com/JakeFAU/scrapewatch/internal/scrape/scrapetest"
)

func ExampleTracker() {
	client := &scrapetest.Client{}
	transport := scrapetest.NewTransport()
	transport.Next("job-1").
		Send(`{"status":"in_progress","progress":40,"scrape_id":12}`).
		Send(`{"status":"completed","results":{"followers_count":500,"following_count":300}}`)

	tracker := controller.NewTracker(client, transport, nil, system.New(), controller.Config{}, nil)
	defer tracker.Close()

	sess, _, err := tracker.Submit(context.Background(), scrape.SubmitRequest{TargetID: 42, Mode: scrape.ModeBoth})
	if err != nil {
		fmt.Println("submit:", err)
		return
	}
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
	}
	view := sess.View()
	fmt.Println(view.Job.Handle, view.Status.Phase, view.Status.Counts.Followers, view.Status.Counts.Following)
	// Output: job-1 completed 500 300
}
