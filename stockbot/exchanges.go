package stockbot

import (
	"regexp"
	"strings"
)

const (
	exchangeNYSE   = "NYSE"
	exchangeNASDAQ = "NASDAQ"
)

// Symbols with a known listing exchange
var (
	nyseSymbols = `
		A AA AAP ABT ADM AEE AES AFL AI AIG ALB ALL AMCR AMH AMT ANET AON APD
		ASX ATO AVB AVY AWK AXP AZO BA BABA BAC BALL BAX BBY BDX BF.B BILL BK
		BLK BMY BOX BRK.A BRK.B BRX BSX BXP C CAG CARR CAT CCI CCK CCL CE CF
		CFLT CHD CHWY CI CIEN CL CLX CMG CMI CMS CNP CNQ COF COP CPNG CPT CRL
		CRM CTRA CTVA CUBE CVE CVS CVX D DAL DASH DD DE DECK DELL DG DGX DHI DHR
		DIDI DIS DLR DOC DOW DOYU DQ DTE DUK DVN ECL EIX EL ELS ELV EMN EMR ENB
		EOG EPAM EPD EQR EQT ES ESS ESTC ET ETN ETR EVRG EXR F FCX FDX FE FMC FR
		FRT FSLY FTCH FUBO GD GDDY GE GIS GLW GM GPC GPS GS GSX HAL HCP HD HES
		HLT HPE HPQ HRL HST HSY HUBS HUM HUYA ICE IFF INVH IP IPG IQV ITW J JNJ
		JNPR JPM K KIM KMB KMI KMX KNX KO KR KRC LEN LH LIN LLY LMT LOW LSI LUMN
		LUV LVS LX LYB MAA MCD MDT MET MGM MHK MKC MLM MMC MMM MOS MPC MRO MS
		MTD NCLH NEE NEM NET NI NIO NKE NOAH NOC NOW NSC NUE NVR O OKE OMC ONT
		ONTO ORCL OTIS OXY PAGS PATH PAYC PCG PD PEAK PEG PFE PG PH PHM PING
		PINS PKG PKI PLD PLTR PNC PNW PPG PPL PRU PSA PSX PWR QGEN RCL RH RHP RL
		RMD ROL RPD RPM RS RSG RTX S SAIL SCHW SE SEE SHOP SHW SJM SKX SLB SLG
		SNAP SNOW SO SON SPG SPGI SQ SRE STAG STM STT STZ SU SUI SWK SYK SYY T
		TAL TANH TAP TFC TGT TJX TME TMO TRGP TRP TRV TSM TSN TTE TWLO TWTR UBER
		UDR UMC UNH UNP UPS USB VEEV VFC VIPS VLO VMC VNO VRNS VST VTEX VTR VZ W
		WAT WEC WELL WFC WHR WM WMB WMT WORK WPC WRK X XOM XPEV YUM ZEN ZTS ZUO
	`

	nasdaqSymbols = `
		AAL AAOI AAPL ABNB ACAD ACLS ADBE ADI ADSK AEP ALNY AMAT AMD AMGN AMZN
		ANSS APA APPN ARCB ARCT ARM ARWR ASML ATVI AVGO AXSM BEAM BIDU BIGC BIIB
		BILI BKNG BKR BLUE BMRN BNTX BPMC CAAS CALX CBAT CCXT CDNA CDNS CEG CHRW
		CHTR CMCSA CME CNET COHU COLM COMM COMP CORT COST COUP CPB CROX CRSP
		CRUS CRWD CSCO CSX CTSH CVCO CYBR DBX DDOG DIOD DISH DLTR DOCU DXCM EA
		EBAY EDIT ENPH ENTG EQIX ETSY EVBG EXAS EXC EXPD EXPE FANG FAST FATE
		FENG FFIV FGEN FLGT FOLD FORM FOX FOXA FTNT FUTU GILD GILT GOOG GOOGL
		GRAB GRFS GSAT GTLB HALO HAS HON HZNP ICHR IDXX ILMN INCY INFN INTC INTU
		IONS IQ IRDM JAZZ JBHT JD KDP KLAC LI LIFE LITE LKQ LNT LRCX LSTR LULU
		LYFT MAR MAT MCHP MDB MDLZ MEDP MELI META MIME MKSI MLGO MNST MOMO MPWR
		MRNA MRVL MSFT MTCH MYGN NBIX NDSN NFLX NTAP NTES NTLA NTRA NVDA NVTA
		NWS NWSA NXPI ODFL OKTA ON OPAD OPEN ORLY OSTK PACB PANW PARA PAYX PCAR
		PCTY PDD PEP PETS PFPT PLAB POOL PTCT PTON PXD PYPL QCOM QD QLYS QRVO
		RARE RDFN REG REGN RERE RMBS ROKU ROST SAGE SAIA SATS SAVA SBAC SBUX
		SGEN SIMO SINA SIRI SITM SMCI SNPS SOHU SOLV SPLK SRPT STLD STNE STX
		SWKS TEAM TECH TENB TGTX TIGR TMUS TOUR TPG TSLA TTWO TWST TXN UAL UCTT
		ULTA UTHR VCYT VIAV VRSK VRTX VSAT WB WBA WBD WDAY WDC WDH WIX WOOF WYNN
		XEL YELL YMM YY Z ZG ZM ZS ZYME
	`
)

// symbolAliases map common names to their actual exchange-qualified symbol
var symbolAliases = map[string]string{
	"IQVIA": "NYSE:IQV",
	"PRIME": "NASDAQ:PRME",
}

var (
	exchangeMap = buildExchangeMap()

	nasdaqPatterns = []*regexp.Regexp{
		regexp.MustCompile(`X$`),
		regexp.MustCompile(`G$`),
		regexp.MustCompile(`T$`),
		regexp.MustCompile(`(BIO|GENE|THER|PHARM)$`),
		regexp.MustCompile(`^[A-Z]{3,4}$`),
	}
	nysePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(CORP|INC|LLC)$`),
		regexp.MustCompile(`(BANK|FINANCIAL|TRUST)$`),
		regexp.MustCompile(`(OIL|GAS|ENERGY|MATERIALS)$`),
		regexp.MustCompile(`^[A-Z]$`),
	}
)

func buildExchangeMap() map[string]string {
	m := make(map[string]string, len(symbolAliases)+600)
	for _, s := range strings.Fields(nyseSymbols) {
		m[s] = exchangeNYSE + ":" + s
	}
	for _, s := range strings.Fields(nasdaqSymbols) {
		m[s] = exchangeNASDAQ + ":" + s
	}
	for k, v := range symbolAliases {
		m[k] = v
	}
	return m
}

// resolveSymbol returns the exchange-qualified form of symbol. Symbols
// that already include an exchange are returned as-is. Unknown symbols
// are guessed from their shape, defaulting to NASDAQ.
func resolveSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(symbol, ":") {
		return symbol
	}
	if qualified, ok := exchangeMap[symbol]; ok {
		return qualified
	}
	for _, p := range nasdaqPatterns {
		if p.MatchString(symbol) {
			return exchangeNASDAQ + ":" + symbol
		}
	}
	for _, p := range nysePatterns {
		if p.MatchString(symbol) {
			return exchangeNYSE + ":" + symbol
		}
	}
	return exchangeNASDAQ + ":" + symbol
}
