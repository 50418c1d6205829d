package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/carter-crick/kaizen-realtime-twilio/pkg/configutil"
	"github.com/carter-crick/kaizen-realtime-twilio/pkg/kaizen"
	"github.com/carter-crick/kaizen-realtime-twilio/pkg/telephony"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	voiceURL := flag.String("voice_url", "", "")
	sendDigits := flag.String("send_digits", "", "")
	callSID := flag.String("call_sid", "", "")
	dtmf := flag.String("dtmf", "", "")
	flag.Parse()
	if *callSID == "" && (*from == "" || *to == "") {
		fmt.Println("usage: makecall -from=+123 -to=+456 [-config=...]")
		fmt.Println("       makecall -call_sid=CA... -dtmf=123# [-config=...]")
		os.Exit(1)
	}

	cfg, err := kaizen.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	var settings telephony.Config
	if err := configutil.DecodeSettings(cfg.Telephony.Settings, &settings); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}

	if *callSID != "" {
		if *dtmf == "" {
			fmt.Println("dtmf digits required with -call_sid")
			os.Exit(1)
		}
		dialer := telephony.NewDialer(settings)
		if err := dialer.SendDTMF(context.Background(), *callSID, *dtmf); err != nil {
			fmt.Println("dtmf error:", err)
			os.Exit(1)
		}
		fmt.Println("dtmf sent:", *callSID)
		return
	}

	url := *voiceURL
	if url == "" {
		if settings.PublicURL == "" {
			fmt.Println("public_url is empty")
			os.Exit(1)
		}
		voicePath := settings.VoicePath
		if voicePath == "" {
			voicePath = "/voice"
		}
		url = "https://" + trimScheme(settings.PublicURL) + voicePath
	}

	dialer := telephony.NewDialer(settings)
	sid, err := dialer.DialWithOptions(context.Background(), *to, *from, url,
		telephony.DialOptions{SendDigits: *sendDigits})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", sid)
}

func trimScheme(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
